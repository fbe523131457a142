package timer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CallbackType discriminates the two callback shapes.
type CallbackType string

// Supported callback kinds
const (
	CallbackHTTP CallbackType = "http"
	CallbackPub  CallbackType = "pub"
)

// Callback validation errors. The messages are surfaced verbatim by the
// admission API.
var (
	ErrCallbackTypeMissing = errors.New("callback type is required")
	ErrCallbackTypeUnknown = errors.New("callback type must be 'http' or 'pub'")
	ErrCallbackURLScheme   = errors.New("HTTP callback URL must start with http:// or https://")
	ErrCallbackTopicEmpty  = errors.New("pub/sub topic cannot be empty")
)

// HTTPCallback delivers the timer as an HTTP POST to a webhook URL.
// Headers may carry arbitrary JSON values; only string values are applied
// to the outbound request.
type HTTPCallback struct {
	URL     string          `json:"url"`
	Headers map[string]any  `json:"headers,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PubCallback delivers the timer as a fire-and-forget publish. The subject
// is Topic, or "Topic.Key" when Key is set.
type PubCallback struct {
	Topic   string          `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Headers map[string]any  `json:"headers,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallbackConfig is the tagged union stored on each timer. Exactly one of
// HTTP or Pub is set, matching Type. On the wire it is an internally tagged
// object: {"type":"http","url":...} or {"type":"pub","topic":...}.
type CallbackConfig struct {
	Type CallbackType
	HTTP *HTTPCallback
	Pub  *PubCallback
}

// NewHTTPCallback builds an http-typed config.
func NewHTTPCallback(cb HTTPCallback) CallbackConfig {
	return CallbackConfig{Type: CallbackHTTP, HTTP: &cb}
}

// NewPubCallback builds a pub-typed config.
func NewPubCallback(cb PubCallback) CallbackConfig {
	return CallbackConfig{Type: CallbackPub, Pub: &cb}
}

// Validate checks the structural rules enforced at admission: the type is
// known, the matching variant is populated, HTTP URLs carry an http(s)
// scheme, and pub topics are non-empty after trimming.
func (c *CallbackConfig) Validate() error {
	switch c.Type {
	case CallbackHTTP:
		if c.HTTP == nil {
			return fmt.Errorf("%w: http variant not set", ErrCallbackTypeUnknown)
		}
		if !strings.HasPrefix(c.HTTP.URL, "http://") && !strings.HasPrefix(c.HTTP.URL, "https://") {
			return ErrCallbackURLScheme
		}
	case CallbackPub:
		if c.Pub == nil {
			return fmt.Errorf("%w: pub variant not set", ErrCallbackTypeUnknown)
		}
		if strings.TrimSpace(c.Pub.Topic) == "" {
			return ErrCallbackTopicEmpty
		}
	case "":
		return ErrCallbackTypeMissing
	default:
		return fmt.Errorf("%w: got %q", ErrCallbackTypeUnknown, c.Type)
	}
	return nil
}

// Clone deep-copies the config, including header maps and payload bytes.
func (c CallbackConfig) Clone() CallbackConfig {
	cp := CallbackConfig{Type: c.Type}
	if c.HTTP != nil {
		h := *c.HTTP
		h.Headers = cloneHeaders(c.HTTP.Headers)
		h.Payload = append(json.RawMessage(nil), c.HTTP.Payload...)
		cp.HTTP = &h
	}
	if c.Pub != nil {
		p := *c.Pub
		p.Headers = cloneHeaders(c.Pub.Headers)
		p.Payload = append(json.RawMessage(nil), c.Pub.Payload...)
		cp.Pub = &p
	}
	return cp
}

func cloneHeaders(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MarshalJSON flattens the active variant with its "type" tag.
func (c CallbackConfig) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case CallbackHTTP:
		if c.HTTP == nil {
			return nil, fmt.Errorf("%w: http variant not set", ErrCallbackTypeUnknown)
		}
		return json.Marshal(struct {
			Type CallbackType `json:"type"`
			*HTTPCallback
		}{c.Type, c.HTTP})
	case CallbackPub:
		if c.Pub == nil {
			return nil, fmt.Errorf("%w: pub variant not set", ErrCallbackTypeUnknown)
		}
		return json.Marshal(struct {
			Type CallbackType `json:"type"`
			*PubCallback
		}{c.Type, c.Pub})
	case "":
		return nil, ErrCallbackTypeMissing
	default:
		return nil, fmt.Errorf("%w: got %q", ErrCallbackTypeUnknown, c.Type)
	}
}

// UnmarshalJSON reads the "type" tag first, then decodes the matching
// variant from the same object.
func (c *CallbackConfig) UnmarshalJSON(data []byte) error {
	var head struct {
		Type CallbackType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decoding callback config: %w", err)
	}

	switch head.Type {
	case CallbackHTTP:
		var h HTTPCallback
		if err := json.Unmarshal(data, &h); err != nil {
			return fmt.Errorf("decoding http callback: %w", err)
		}
		*c = CallbackConfig{Type: CallbackHTTP, HTTP: &h}
	case CallbackPub:
		var p PubCallback
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decoding pub callback: %w", err)
		}
		*c = CallbackConfig{Type: CallbackPub, Pub: &p}
	case "":
		return ErrCallbackTypeMissing
	default:
		return fmt.Errorf("%w: got %q", ErrCallbackTypeUnknown, head.Type)
	}
	return nil
}

// StringHeaders filters a header map down to its string-valued entries.
// Non-string values are ignored at dispatch time rather than rejected at
// admission, matching the persisted shape.
func StringHeaders(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
