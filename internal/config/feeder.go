package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Feeder fills part of a configuration struct from one source. Load applies
// feeders in order, so later feeders override earlier ones.
type Feeder interface {
	// Feed gets a struct pointer and feeds it using configuration data.
	Feed(structure any) error
}

// DefaultsFeeder seeds every field carrying a `default` tag, leaving fields
// that already hold a non-zero value alone. Tag values use the field's
// string form: durations as time.ParseDuration input, booleans as
// strconv.ParseBool input.
type DefaultsFeeder struct{}

// NewDefaultsFeeder creates a defaults feeder.
func NewDefaultsFeeder() DefaultsFeeder { return DefaultsFeeder{} }

// Feed applies `default` tags to zero-valued fields.
func (DefaultsFeeder) Feed(structure any) error {
	root, err := structValue(structure)
	if err != nil {
		return err
	}
	return walkFields(root, func(field reflect.StructField, value reflect.Value) error {
		tag, ok := field.Tag.Lookup("default")
		if !ok || !value.IsZero() {
			return nil
		}
		if err := setFromString(value, tag); err != nil {
			return fmt.Errorf("config: default for %s: %w", field.Name, err)
		}
		return nil
	})
}

// EnvFeeder fills fields carrying an `env` tag from the process environment.
// Unset and empty variables leave the field untouched.
type EnvFeeder struct{}

// NewEnvFeeder creates an environment variable feeder.
func NewEnvFeeder() EnvFeeder { return EnvFeeder{} }

// Feed applies `env` tags from the environment.
func (EnvFeeder) Feed(structure any) error {
	root, err := structValue(structure)
	if err != nil {
		return err
	}
	return walkFields(root, func(field reflect.StructField, value reflect.Value) error {
		name, ok := field.Tag.Lookup("env")
		if !ok {
			return nil
		}
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			return nil
		}
		if err := setFromString(value, raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		return nil
	})
}

// NewFileFeeder picks the feeder for a configuration file by extension.
func NewFileFeeder(path string) (Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// YamlFeeder fills a struct from a YAML document, matching fields by their
// `yaml` tags. Scalars are coerced the same way env values are, so durations
// may be written as "30s".
type YamlFeeder struct {
	path string
}

// NewYamlFeeder creates a feeder reading the YAML file at path.
func NewYamlFeeder(path string) YamlFeeder { return YamlFeeder{path: path} }

// Feed parses the file and assigns its values.
func (f YamlFeeder) Feed(structure any) error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", f.path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", f.path, err)
	}
	root, err := structValue(structure)
	if err != nil {
		return err
	}
	return feedMap(root, doc, "yaml")
}

// TomlFeeder fills a struct from a TOML document, matching fields by their
// `toml` tags.
type TomlFeeder struct {
	path string
}

// NewTomlFeeder creates a feeder reading the TOML file at path.
func NewTomlFeeder(path string) TomlFeeder { return TomlFeeder{path: path} }

// Feed parses the file and assigns its values.
func (f TomlFeeder) Feed(structure any) error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", f.path, err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", f.path, err)
	}
	root, err := structValue(structure)
	if err != nil {
		return err
	}
	return feedMap(root, doc, "toml")
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

func structValue(structure any) (reflect.Value, error) {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("config: feed target must be a non-nil struct pointer, got %T", structure)
	}
	return rv.Elem(), nil
}

// walkFields visits every exported leaf field, recursing through nested
// structs.
func walkFields(v reflect.Value, fn func(reflect.StructField, reflect.Value) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		value := v.Field(i)
		if value.Kind() == reflect.Struct && field.Type != timeType {
			if err := walkFields(value, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(field, value); err != nil {
			return err
		}
	}
	return nil
}

// feedMap assigns decoded file values onto the struct, matching fields by
// the given tag name. Nested tables recurse into nested structs; keys the
// struct does not declare are ignored.
func feedMap(v reflect.Value, doc map[string]any, tagName string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		key, _, _ := strings.Cut(field.Tag.Get(tagName), ",")
		if key == "" || key == "-" {
			continue
		}
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		value := v.Field(i)
		if value.Kind() == reflect.Struct && field.Type != timeType {
			sub, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("config: %s must be a mapping", key)
			}
			if err := feedMap(value, sub, tagName); err != nil {
				return err
			}
			continue
		}
		if err := assign(value, raw); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

// setFromString converts a textual value into the field's type. Durations
// accept time.ParseDuration syntax.
func setFromString(value reflect.Value, raw string) error {
	switch {
	case value.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		value.SetInt(int64(d))
	case value.Kind() == reflect.String:
		value.SetString(raw)
	case value.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		value.SetBool(b)
	case value.CanInt():
		n, err := strconv.ParseInt(raw, 10, value.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		value.SetInt(n)
	case value.CanUint():
		n, err := strconv.ParseUint(raw, 10, value.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		value.SetUint(n)
	case value.CanFloat():
		n, err := strconv.ParseFloat(raw, value.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		value.SetFloat(n)
	default:
		return fmt.Errorf("unsupported field type %s", value.Type())
	}
	return nil
}

// assign sets a decoded file scalar onto the field. Strings go through the
// same coercion env values use; native YAML/TOML numbers and booleans are
// assigned directly. Bare integers for durations count nanoseconds.
func assign(value reflect.Value, raw any) error {
	if s, ok := raw.(string); ok {
		return setFromString(value, s)
	}
	switch {
	case value.Type() == durationType:
		n, ok := asInt64(raw)
		if !ok {
			return fmt.Errorf("invalid duration %v", raw)
		}
		value.SetInt(n)
	case value.Kind() == reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("invalid boolean %v", raw)
		}
		value.SetBool(b)
	case value.CanInt():
		n, ok := asInt64(raw)
		if !ok {
			return fmt.Errorf("invalid integer %v", raw)
		}
		if value.OverflowInt(n) {
			return fmt.Errorf("integer %d overflows %s", n, value.Type())
		}
		value.SetInt(n)
	case value.CanUint():
		n, ok := asInt64(raw)
		if !ok || n < 0 {
			return fmt.Errorf("invalid integer %v", raw)
		}
		value.SetUint(uint64(n))
	case value.CanFloat():
		switch n := raw.(type) {
		case float64:
			value.SetFloat(n)
		default:
			m, ok := asInt64(raw)
			if !ok {
				return fmt.Errorf("invalid number %v", raw)
			}
			value.SetFloat(float64(m))
		}
	case value.Kind() == reflect.String:
		return fmt.Errorf("expected string, got %T", raw)
	default:
		return fmt.Errorf("unsupported field type %s", value.Type())
	}
	return nil
}

func asInt64(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
