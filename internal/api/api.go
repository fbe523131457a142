// Package api exposes the admission REST surface: clients create, inspect,
// reschedule, and cancel timers here. Every firing decision stays with the
// engine; this package only validates requests and edits durable rows.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CrisisTextLine/timer-platform/internal/events"
	"github.com/CrisisTextLine/timer-platform/internal/store"
)

// Config describes the admission surface.
type Config struct {
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key" env:"API_KEY" desc:"Shared secret required on all /timers routes; at least 32 characters"`
}

// API carries the handler dependencies. PubEnabled gates pub callback
// admission: without a configured pub/sub connection such timers could
// never fire, so they are rejected up front.
type API struct {
	cfg        Config
	store      store.TimerStore
	bus        *events.Bus
	pubEnabled bool
	metrics    http.Handler
	logger     *slog.Logger
}

// New builds the admission API. The bus may be nil; metrics may be nil to
// leave /metrics unmounted.
func New(cfg Config, st store.TimerStore, bus *events.Bus, pubEnabled bool, metrics http.Handler, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		pubEnabled: pubEnabled,
		metrics:    metrics,
		logger:     logger.With("component", "api"),
	}
}

// Router assembles the chi router. /healthz and /metrics are open; the
// /timers routes sit behind the API key.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/timers", func(r chi.Router) {
		r.Use(a.requireAPIKey)
		r.Post("/", a.createTimer)
		r.Get("/", a.listTimers)
		r.Get("/{id}", a.getTimer)
		r.Put("/{id}", a.updateTimer)
		r.Delete("/{id}", a.cancelTimer)
	})

	return r
}
