// Package pubsub manages the optional NATS connection used for pub/sub
// callback dispatch and lifecycle event publishing. The capability is off
// unless a host is configured; admission rejects pub timers while it is off.
package pubsub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config describes the NATS connection.
type Config struct {
	Host          string        `json:"host" yaml:"host" toml:"host" env:"NATS_HOST" desc:"NATS host; empty disables pub/sub callbacks"`
	Port          int           `json:"port" yaml:"port" toml:"port" env:"NATS_PORT" default:"4222" desc:"NATS client port"`
	User          string        `json:"user" yaml:"user" toml:"user" env:"NATS_USER" desc:"NATS username (optional)"`
	Password      string        `json:"password" yaml:"password" toml:"password" env:"NATS_PASSWORD" desc:"NATS password (optional)"`
	Name          string        `json:"name" yaml:"name" toml:"name" env:"NATS_CONNECTION_NAME" default:"timer-platform" desc:"Connection name reported to the server"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects" toml:"max_reconnects" env:"NATS_MAX_RECONNECTS" default:"10" desc:"Reconnect attempts before the connection is closed"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" toml:"reconnect_wait" env:"NATS_RECONNECT_WAIT" default:"2s" desc:"Wait between reconnect attempts"`
}

// Enabled reports whether a NATS host is configured.
func (c Config) Enabled() bool {
	return c.Host != ""
}

// URL renders the client connection URL.
func (c Config) URL() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

// Conn wraps a NATS connection behind the small surface the dispatcher and
// the event observers need.
type Conn struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials the configured server. Credentials are applied only when
// both user and password are set; either one empty means anonymous.
func Connect(cfg Config, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pubsub")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	if cfg.User != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL(), err)
	}

	logger.Info("Connected to NATS", "url", cfg.URL(), "name", cfg.Name)
	return &Conn{nc: nc, logger: logger}, nil
}

// Publish sends a fire-and-forget message.
func (c *Conn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishMsg sends a fire-and-forget message carrying headers.
func (c *Conn) PublishMsg(subject string, headers map[string]string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for key, value := range headers {
		msg.Header.Set(key, value)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the connection is currently established.
func (c *Conn) Connected() bool {
	return c.nc.Status() == nats.CONNECTED
}

// Close flushes buffered messages and closes the connection.
func (c *Conn) Close() {
	if err := c.nc.Flush(); err != nil {
		c.logger.Warn("Failed to flush NATS connection", "error", err)
	}
	c.nc.Close()
}
