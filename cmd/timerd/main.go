// Command timerd runs the timer platform: a durable deferred-callback
// service that fires HTTP webhooks and pub/sub messages at the instant a
// timer comes due.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CrisisTextLine/timer-platform/internal/api"
	"github.com/CrisisTextLine/timer-platform/internal/config"
	"github.com/CrisisTextLine/timer-platform/internal/dispatch"
	"github.com/CrisisTextLine/timer-platform/internal/engine"
	"github.com/CrisisTextLine/timer-platform/internal/events"
	"github.com/CrisisTextLine/timer-platform/internal/httpserver"
	"github.com/CrisisTextLine/timer-platform/internal/pubsub"
	"github.com/CrisisTextLine/timer-platform/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const version = "0.1.0"

// shutdownGrace bounds the whole orderly-stop sequence, not any single step.
const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "timerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("Starting timerd",
		"version", version,
		"driver", cfg.Store.SQL.Driver,
		"http_port", cfg.HTTP.Port,
		"pubsub_enabled", cfg.NATS.Enabled(),
		"events_enabled", cfg.Events.Enabled,
	)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	bus := events.NewBus("timer-platform/"+hostname, logger)

	st, closeStore, err := openStore(ctx, cfg, bus, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Pub/sub is optional, but a configured broker that cannot be reached
	// is a boot failure rather than a silent downgrade.
	var conn *pubsub.Conn
	if cfg.NATS.Enabled() {
		conn, err = pubsub.Connect(cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("NATS connection failed: %w", err)
		}
		defer conn.Close()
	}

	if cfg.Events.Enabled && conn != nil {
		observer := events.NewNATSObserver(conn, cfg.Events.SubjectPrefix)
		if err := bus.RegisterObserver(observer); err != nil {
			return fmt.Errorf("failed to register event observer: %w", err)
		}
		logger.Info("Lifecycle events enabled", "subject_prefix", cfg.Events.SubjectPrefix)
	}

	collector := engine.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var publisher dispatch.Publisher
	if conn != nil {
		publisher = conn
	}
	disp := dispatch.New(cfg.Dispatch, st, publisher, bus, collector, logger)

	eng := engine.New(cfg.Engine, st, disp, bus, collector, logger)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("engine start failed: %w", err)
	}

	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	admission := api.New(cfg.API, st, bus, cfg.NATS.Enabled(), metricsHandler, logger)
	srv := httpserver.New(cfg.HTTP, admission.Router(), logger)
	if err := srv.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = eng.Stop(stopCtx)
		return err
	}

	<-ctx.Done()
	stop()
	logger.Info("Shutdown signal received")

	// Stop taking requests first so nothing new is admitted, then let the
	// engine finish or abandon in-flight dispatches.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("Engine shutdown", "error", err)
	}

	logger.Info("timerd stopped")
	return nil
}

func buildLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}

// openStore builds the configured backend, runs migrations and verifies
// connectivity. The returned func releases the store.
func openStore(ctx context.Context, cfg *config.Config, bus *events.Bus, logger *slog.Logger) (store.TimerStore, func(), error) {
	if cfg.Store.SQL.Driver == config.DriverMemory {
		logger.Warn("Using the in-memory store; timers will not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	sqlCfg := cfg.Store.SQL
	sqlCfg.DSN = cfg.Store.ResolveDSN()
	st, err := store.OpenSQL(sqlCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx, bus); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	logger.Info("Store ready", "dialect", st.Dialect())

	return st, func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}, nil
}
