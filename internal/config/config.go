// Package config assembles the runtime configuration for the timer daemon.
//
// Configuration merges three sources, later ones overriding earlier ones:
// struct `default` tags, an optional YAML or TOML file named by the
// TIMERD_CONFIG environment variable, and environment variables named by
// `env` tags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/CrisisTextLine/timer-platform/internal/api"
	"github.com/CrisisTextLine/timer-platform/internal/dispatch"
	"github.com/CrisisTextLine/timer-platform/internal/engine"
	"github.com/CrisisTextLine/timer-platform/internal/httpserver"
	"github.com/CrisisTextLine/timer-platform/internal/pubsub"
	"github.com/CrisisTextLine/timer-platform/internal/store"
)

// FileEnvVar names the environment variable holding the optional config
// file path.
const FileEnvVar = "TIMERD_CONFIG"

// DriverMemory selects the in-memory store, for tests and ephemeral runs.
const DriverMemory = "memory"

const (
	minAPIKeyLength = 32
	redactedValue   = "[REDACTED]"
)

// Config is the full runtime configuration for timerd.
type Config struct {
	Log      LogConfig         `json:"log" yaml:"log" toml:"log"`
	HTTP     httpserver.Config `json:"http" yaml:"http" toml:"http"`
	API      api.Config        `json:"api" yaml:"api" toml:"api"`
	Store    StoreConfig       `json:"store" yaml:"store" toml:"store"`
	NATS     pubsub.Config     `json:"nats" yaml:"nats" toml:"nats"`
	Events   EventsConfig      `json:"events" yaml:"events" toml:"events"`
	Engine   engine.Config     `json:"engine" yaml:"engine" toml:"engine"`
	Dispatch dispatch.Config   `json:"dispatch" yaml:"dispatch" toml:"dispatch"`
}

// LogConfig controls the slog handler built at boot.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" env:"LOG_LEVEL" default:"info" desc:"Log level: debug, info, warn or error"`
	Format string `json:"format" yaml:"format" toml:"format" env:"LOG_FORMAT" default:"text" desc:"Log output format: text or json"`
}

// SlogLevel maps the configured name onto a slog level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", c.Level)
}

// StoreConfig selects and parameterizes the timer store backend.
type StoreConfig struct {
	SQL        store.SQLConfig `json:"sql" yaml:"sql" toml:"sql"`
	Postgres   PostgresConfig  `json:"postgres" yaml:"postgres" toml:"postgres"`
	SQLitePath string          `json:"sqlite_path" yaml:"sqlite_path" toml:"sqlite_path" env:"SQLITE_PATH" default:"timers.db" desc:"Database file when driver is sqlite"`
}

// PostgresConfig holds the component form of the Postgres connection. The
// DSN assembled from these parts is used when store.sql.dsn is empty.
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host" toml:"host" env:"PG_HOST" desc:"Postgres host"`
	Port     int    `json:"port" yaml:"port" toml:"port" env:"PG_PORT" default:"5432" desc:"Postgres port"`
	User     string `json:"user" yaml:"user" toml:"user" env:"PG_USER" desc:"Postgres user"`
	Password string `json:"password" yaml:"password" toml:"password" env:"PG_PASSWORD" desc:"Postgres password"`
	Database string `json:"database" yaml:"database" toml:"database" env:"PG_DB_NAME" desc:"Postgres database name"`
}

// EventsConfig controls publication of lifecycle events to NATS.
type EventsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" toml:"enabled" env:"EVENTS_ENABLED" default:"false" desc:"Publish lifecycle events to NATS"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix" env:"EVENTS_SUBJECT_PREFIX" default:"timers.events" desc:"Subject prefix for lifecycle events"`
}

// Load merges defaults, the optional TIMERD_CONFIG file and environment
// variables, then validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	feeders := []Feeder{NewDefaultsFeeder()}
	if path := os.Getenv(FileEnvVar); path != "" {
		file, err := NewFileFeeder(path)
		if err != nil {
			return nil, err
		}
		feeders = append(feeders, file)
	}
	feeders = append(feeders, NewEnvFeeder())
	for _, feeder := range feeders {
		if err := feeder.Feed(cfg); err != nil {
			return nil, err
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize cleans up values with an "unset" convention: whitespace-only
// NATS host and credentials count as absent.
func (c *Config) normalize() {
	c.NATS.Host = strings.TrimSpace(c.NATS.Host)
	c.NATS.User = strings.TrimSpace(c.NATS.User)
	c.NATS.Password = strings.TrimSpace(c.NATS.Password)
}

// Validate checks the merged configuration before anything opens sockets or
// databases.
func (c *Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Log.Format)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port %d", c.HTTP.Port)
	}
	if len(c.API.APIKey) < minAPIKeyLength {
		return fmt.Errorf("API_KEY must be at least %d characters long (current length: %d)", minAPIKeyLength, len(c.API.APIKey))
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateIntervals(); err != nil {
		return err
	}
	if c.NATS.Host != "" && (c.NATS.Port < 1 || c.NATS.Port > 65535) {
		return fmt.Errorf("invalid NATS port %d", c.NATS.Port)
	}
	if c.Events.Enabled && c.NATS.Host == "" {
		return errors.New("EVENTS_ENABLED requires NATS_HOST to be configured")
	}
	return nil
}

func (c *Config) validateStore() error {
	driver := c.Store.SQL.Driver
	if driver == DriverMemory {
		return nil
	}
	dialect, err := store.DialectForDriver(driver)
	if err != nil {
		return err
	}
	if c.Store.SQL.DSN != "" {
		if dialect == store.DialectPostgres && !hasPostgresScheme(c.Store.SQL.DSN) {
			return errors.New("store DSN must start with 'postgresql://' or 'postgres://'")
		}
		return nil
	}
	switch dialect {
	case store.DialectPostgres:
		pg := c.Store.Postgres
		switch {
		case pg.Host == "":
			return errors.New("PG_HOST is required")
		case pg.User == "":
			return errors.New("PG_USER is required")
		case pg.Password == "":
			return errors.New("PG_PASSWORD is required")
		case pg.Database == "":
			return errors.New("PG_DB_NAME is required")
		}
		if pg.Port < 1 || pg.Port > 65535 {
			return fmt.Errorf("invalid PG_PORT %d", pg.Port)
		}
	case store.DialectSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when driver is sqlite")
		}
	}
	return nil
}

func (c *Config) validateIntervals() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"TICK_INTERVAL", c.Engine.TickInterval},
		{"LOAD_INTERVAL", c.Engine.LoadInterval},
		{"LOOKBACK", c.Engine.Lookback},
		{"LOOKAHEAD", c.Engine.Lookahead},
		{"REAP_GRACE", c.Engine.ReapGrace},
		{"STALE_EXECUTING_AFTER", c.Engine.StaleExecutingAfter},
		{"HTTP_TIMEOUT", c.Dispatch.HTTPTimeout},
	}
	for _, iv := range positive {
		if iv.value <= 0 {
			return fmt.Errorf("%s must be positive (got %s)", iv.name, iv.value)
		}
	}
	if c.Engine.DrainTimeout < 0 {
		return fmt.Errorf("DRAIN_TIMEOUT must not be negative (got %s)", c.Engine.DrainTimeout)
	}
	if c.Engine.PurgeTerminalAfter < 0 {
		return fmt.Errorf("PURGE_TERMINAL_AFTER must not be negative (got %s)", c.Engine.PurgeTerminalAfter)
	}
	if c.Dispatch.MaxConcurrent < 0 {
		return fmt.Errorf("MAX_CONCURRENT_DISPATCHES must not be negative (got %d)", c.Dispatch.MaxConcurrent)
	}
	return nil
}

func hasPostgresScheme(dsn string) bool {
	return strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://")
}

// ResolveDSN returns the data source name for the configured driver. An
// explicit store.sql.dsn wins; otherwise Postgres assembles a URL from the
// PG_* parts with URL-escaped credentials, and SQLite uses the file path.
func (c StoreConfig) ResolveDSN() string {
	if c.SQL.DSN != "" {
		return c.SQL.DSN
	}
	dialect, err := store.DialectForDriver(c.SQL.Driver)
	if err != nil {
		return ""
	}
	switch dialect {
	case store.DialectPostgres:
		u := url.URL{
			Scheme: "postgresql",
			User:   url.UserPassword(c.Postgres.User, c.Postgres.Password),
			Host:   net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
			Path:   "/" + c.Postgres.Database,
		}
		return u.String()
	case store.DialectSQLite:
		return c.SQLitePath
	}
	return ""
}

// Redacted returns a copy safe for logging: the API key and any passwords
// are masked.
func (c Config) Redacted() Config {
	if c.API.APIKey != "" {
		c.API.APIKey = redactedValue
	}
	if c.Store.Postgres.Password != "" {
		c.Store.Postgres.Password = redactedValue
	}
	if c.NATS.Password != "" {
		c.NATS.Password = redactedValue
	}
	if c.Store.SQL.DSN != "" {
		c.Store.SQL.DSN = redactDSN(c.Store.SQL.DSN)
	}
	return c
}

// redactDSN masks the password inside a URL-form DSN. DSNs that do not
// parse are masked entirely.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return redactedValue
	}
	return u.Redacted()
}
