// Package engine fires timers. It keeps a near-term cache of pending rows,
// claims each due timer exactly once through the store, and hands claimed
// timers to the dispatcher. Crash recovery and housekeeping live here too.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CrisisTextLine/timer-platform/internal/events"
	"github.com/CrisisTextLine/timer-platform/internal/store"
	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// Config describes engine cadence and recovery behavior.
type Config struct {
	TickInterval         time.Duration `json:"tick_interval" yaml:"tick_interval" toml:"tick_interval" env:"TICK_INTERVAL" default:"1s" desc:"How often due cached timers are claimed"`
	LoadInterval         time.Duration `json:"load_interval" yaml:"load_interval" toml:"load_interval" env:"LOAD_INTERVAL" default:"30s" desc:"How often the near-term window is reloaded"`
	Lookback             time.Duration `json:"lookback" yaml:"lookback" toml:"lookback" env:"LOOKBACK" default:"5m" desc:"Window reach into the past for missed timers"`
	Lookahead            time.Duration `json:"lookahead" yaml:"lookahead" toml:"lookahead" env:"LOOKAHEAD" default:"1m" desc:"Window reach into the future"`
	ReapGrace            time.Duration `json:"reap_grace" yaml:"reap_grace" toml:"reap_grace" env:"REAP_GRACE" default:"5m" desc:"Executing rows with execute_at older than this are failed at boot"`
	DrainTimeout         time.Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout" env:"DRAIN_TIMEOUT" default:"5s" desc:"Grace window for in-flight dispatches at shutdown"`
	HousekeepingSchedule string        `json:"housekeeping_schedule" yaml:"housekeeping_schedule" toml:"housekeeping_schedule" env:"HOUSEKEEPING_SCHEDULE" default:"@every 5m" desc:"Cron spec for housekeeping; empty disables"`
	StaleExecutingAfter  time.Duration `json:"stale_executing_after" yaml:"stale_executing_after" toml:"stale_executing_after" env:"STALE_EXECUTING_AFTER" default:"10m" desc:"Executing rows untouched this long are failed by housekeeping"`
	PurgeTerminalAfter   time.Duration `json:"purge_terminal_after" yaml:"purge_terminal_after" toml:"purge_terminal_after" env:"PURGE_TERMINAL_AFTER" default:"0" desc:"Terminal rows older than this are deleted by housekeeping; 0 disables"`
}

// Dispatcher is the handoff surface for claimed timers.
type Dispatcher interface {
	Dispatch(t *timer.Timer)
	Drain(grace time.Duration)
}

// Engine owns the loader and ticker loops.
type Engine struct {
	cfg     Config
	store   store.TimerStore
	disp    Dispatcher
	bus     *events.Bus
	metrics *Collector
	logger  *slog.Logger

	cache  *cache
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine. A nil metrics collector is replaced with a fresh
// unregistered one.
func New(cfg Config, st store.TimerStore, disp Dispatcher, bus *events.Bus, metrics *Collector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewCollector()
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		disp:    disp,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "engine"),
		cache:   newCache(),
	}
}

// Start recovers rows left executing by a previous run, warms the cache,
// and launches the loader and ticker loops plus the housekeeping schedule.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.HousekeepingSchedule != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(e.cfg.HousekeepingSchedule, e.housekeep); err != nil {
			return fmt.Errorf("invalid housekeeping schedule %q: %w", e.cfg.HousekeepingSchedule, err)
		}
	}

	if err := e.reapOnBoot(ctx); err != nil {
		return err
	}
	e.load(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(2)
	go e.loaderLoop(runCtx)
	go e.tickerLoop(runCtx)

	if e.cron != nil {
		e.cron.Start()
	}

	e.logger.Info("Engine started",
		"tick_interval", e.cfg.TickInterval,
		"load_interval", e.cfg.LoadInterval,
		"lookback", e.cfg.Lookback,
		"lookahead", e.cfg.Lookahead,
	)
	return nil
}

// Stop halts the loops, stops housekeeping, and drains in-flight
// dispatches. The context bounds only the wait for a running housekeeping
// job; the dispatcher drain is bounded by DrainTimeout.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.cron != nil {
		select {
		case <-e.cron.Stop().Done():
		case <-ctx.Done():
			e.logger.Warn("Housekeeping did not finish before the shutdown deadline")
		}
	}

	e.disp.Drain(e.cfg.DrainTimeout)
	e.logger.Info("Engine stopped")
	return nil
}

// reapOnBoot fails rows a previous run claimed but never finished. The
// grace keeps rows claimed moments before the restart alive long enough
// for their original dispatch to have finished.
func (e *Engine) reapOnBoot(ctx context.Context) error {
	if e.cfg.ReapGrace <= 0 {
		return nil
	}

	cutoff := time.Now().UTC().Add(-e.cfg.ReapGrace)
	count, err := e.store.ReapExecuting(ctx, cutoff, "engine restart")
	if err != nil {
		return fmt.Errorf("failed to reap executing timers: %w", err)
	}
	if count > 0 {
		e.logger.Warn("Reaped timers left executing by a previous run", "count", count)
		e.metrics.TimersReaped(count)
		e.bus.Emit(ctx, events.EventTypeTimerReaped, map[string]any{"count": count, "reason": "engine restart"})
	}
	return nil
}

func (e *Engine) loaderLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.LoadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.load(ctx)
		}
	}
}

// load replaces the cache with the current window. On error the previous
// cache stays; a stale entry is harmless because claims re-check the row.
func (e *Engine) load(ctx context.Context) {
	now := time.Now().UTC()
	timers, err := e.store.LoadWindow(ctx, now, e.cfg.Lookback, e.cfg.Lookahead)
	if err != nil {
		e.logger.Warn("Failed to load timer window", "error", err)
		e.metrics.LoadFailed()
		return
	}

	e.cache.Replace(timers)
	e.metrics.WindowLoaded(len(timers))
	e.metrics.SetCacheSize(len(timers))
	e.logger.Info("Loaded timer window", "count", len(timers))
}

func (e *Engine) tickerLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick claims every due cached timer in execute_at order and hands winners
// to the dispatcher.
func (e *Engine) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, t := range e.cache.Due(now) {
		claimed, err := e.store.ClaimDue(ctx, t.ID)
		if err != nil {
			// Leave it cached; the lookback window retries next tick.
			e.logger.Warn("Failed to claim timer", "timer_id", t.ID, "error", err)
			continue
		}
		if !claimed {
			// Canceled, rescheduled, or claimed elsewhere. Durable state won.
			e.cache.Remove(t.ID)
			e.metrics.ClaimLost()
			continue
		}

		e.cache.Remove(t.ID)
		e.metrics.TimerClaimed()
		e.logger.Debug("Claimed timer", "timer_id", t.ID, "execute_at", t.ExecuteAt)

		claimedTimer := t.Clone()
		claimedTimer.Status = timer.StatusExecuting
		e.bus.Emit(ctx, events.EventTypeTimerClaimed, events.TimerData(claimedTimer, ""))
		e.disp.Dispatch(claimedTimer)
	}
	e.metrics.SetCacheSize(e.cache.Size())
}

// housekeep fails stuck executing rows and optionally purges old terminal
// rows. Runs on the cron schedule.
func (e *Engine) housekeep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	now := time.Now().UTC()

	if e.cfg.StaleExecutingAfter > 0 {
		count, err := e.store.ReapStale(ctx, now.Add(-e.cfg.StaleExecutingAfter), "execution timed out")
		if err != nil {
			e.logger.Warn("Failed to reap stale executing timers", "error", err)
		} else if count > 0 {
			e.logger.Warn("Reaped stale executing timers", "count", count)
			e.metrics.TimersReaped(count)
			e.bus.Emit(ctx, events.EventTypeTimerReaped, map[string]any{"count": count, "reason": "execution timed out"})
		}
	}

	if e.cfg.PurgeTerminalAfter > 0 {
		count, err := e.store.PurgeTerminal(ctx, now.Add(-e.cfg.PurgeTerminalAfter))
		if err != nil {
			e.logger.Warn("Failed to purge terminal timers", "error", err)
		} else if count > 0 {
			e.logger.Info("Purged terminal timers", "count", count)
			e.metrics.TimersPurged(count)
		}
	}
}
