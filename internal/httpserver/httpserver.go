// Package httpserver wraps net/http with lifecycle plumbing: bind errors
// surface at start instead of inside a goroutine, and shutdown is graceful
// and bounded.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config describes the listener.
type Config struct {
	Host              string        `json:"host" yaml:"host" toml:"host" env:"HOST" default:"" desc:"Interface to bind; empty binds all interfaces"`
	Port              int           `json:"port" yaml:"port" toml:"port" env:"PORT" default:"8080" desc:"TCP port for the admission API"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" toml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" default:"5s" desc:"Time allowed to read request headers"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT" default:"15s" desc:"Time allowed to read the full request"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT" default:"30s" desc:"Time allowed to write the response"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout" env:"IDLE_TIMEOUT" default:"60s" desc:"Keep-alive idle limit"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" default:"5s" desc:"Grace window for in-flight requests at shutdown"`
}

// Server is a started-or-not HTTP server around a handler.
type Server struct {
	cfg      Config
	srv      *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// New wires the handler into an http.Server with the configured timeouts.
func New(cfg Config, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		logger: logger.With("component", "httpserver"),
	}
}

// Start binds the listener and serves in the background. A port conflict
// comes back from here, not from the serve goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.srv.Addr, err)
	}
	s.listener = listener
	s.logger.Info("HTTP server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
