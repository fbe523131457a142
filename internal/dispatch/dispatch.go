// Package dispatch executes claimed timers. Each claim becomes one detached
// job that performs the callback (webhook POST or pub/sub publish) and
// records the terminal outcome in the store. No retries: one claim, one
// attempt.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/events"
	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// Config describes dispatcher behavior.
type Config struct {
	HTTPTimeout   time.Duration `json:"http_timeout" yaml:"http_timeout" toml:"http_timeout" env:"HTTP_TIMEOUT" default:"30s" desc:"Per-request webhook timeout"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent" env:"MAX_CONCURRENT_DISPATCHES" default:"0" desc:"Maximum concurrent dispatch jobs; 0 means unbounded"`
}

// Recorder persists dispatch outcomes. store.TimerStore satisfies it.
type Recorder interface {
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Publisher is the pub/sub surface the pub executor needs. *pubsub.Conn
// satisfies it; nil means the capability is not configured.
type Publisher interface {
	PublishMsg(subject string, headers map[string]string, data []byte) error
}

// Metrics receives dispatch outcome counts. The engine's collector
// satisfies it; nil disables instrumentation.
type Metrics interface {
	DispatchRecorded(kind string, success bool)
}

// Dispatcher fans claimed timers out to their callback executors.
type Dispatcher struct {
	recorder  Recorder
	publisher Publisher
	bus       *events.Bus
	metrics   Metrics
	logger    *slog.Logger

	webhooks *webhookClient
	sem      chan struct{}

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a dispatcher. The publisher may be nil when pub/sub is not
// configured; admission rejects pub timers in that case, so a pub timer
// arriving here anyway is recorded failed and logged as a logic error.
func New(cfg Config, recorder Recorder, publisher Publisher, bus *events.Bus, metrics Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		recorder:  recorder,
		publisher: publisher,
		bus:       bus,
		metrics:   metrics,
		logger:    logger.With("component", "dispatch"),
		webhooks:  newWebhookClient(cfg.HTTPTimeout),
		base:      base,
		cancel:    cancel,
	}
	if cfg.MaxConcurrent > 0 {
		d.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return d
}

// Dispatch hands a claimed timer to a detached job and returns immediately.
// The ticker must never block on a slow callback.
func (d *Dispatcher) Dispatch(t *timer.Timer) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if d.sem != nil {
			select {
			case d.sem <- struct{}{}:
				defer func() { <-d.sem }()
			case <-d.base.Done():
				// Shutting down before the job could start. The row stays
				// executing and crash recovery fails it on the next boot.
				d.logger.Warn("Dispatcher stopping before dispatch started", "timer_id", t.ID)
				return
			}
		}

		d.execute(t)
	}()
}

func (d *Dispatcher) execute(t *timer.Timer) {
	var dispatchErr error
	switch t.Callback.Type {
	case timer.CallbackHTTP:
		dispatchErr = d.webhooks.send(d.base, t.Callback.HTTP)
	case timer.CallbackPub:
		dispatchErr = d.publish(t)
	default:
		dispatchErr = &callbackError{msg: "unknown callback type '" + string(t.Callback.Type) + "'"}
	}
	d.record(t, dispatchErr)
}

func (d *Dispatcher) publish(t *timer.Timer) error {
	if d.publisher == nil {
		// Admission rejects pub timers while the capability is off, so
		// reaching this point is a logic error upstream.
		d.logger.Error("Pub timer dispatched without a configured publisher", "timer_id", t.ID)
		return &callbackError{msg: "publish failed: pub/sub not configured"}
	}

	cb := t.Callback.Pub
	subject := cb.Topic
	if cb.Key != "" {
		subject = cb.Topic + "." + cb.Key
	}

	if err := d.publisher.PublishMsg(subject, timer.StringHeaders(cb.Headers), cb.Payload); err != nil {
		return &callbackError{msg: "publish failed: " + err.Error()}
	}

	d.logger.Debug("Published timer callback", "timer_id", t.ID, "subject", subject)
	return nil
}

// record writes the terminal outcome. Failures to record are logged and
// swallowed; the dispatch itself is never retried.
func (d *Dispatcher) record(t *timer.Timer, dispatchErr error) {
	kind := string(t.Callback.Type)

	if dispatchErr == nil {
		if err := d.recorder.MarkCompleted(d.base, t.ID); err != nil {
			d.logger.Warn("Failed to record dispatch success", "timer_id", t.ID, "error", err)
		}
		d.logger.Info("Timer dispatched", "timer_id", t.ID, "kind", kind)
		if d.metrics != nil {
			d.metrics.DispatchRecorded(kind, true)
		}
		d.emit(t, timer.StatusCompleted, "")
		return
	}

	msg := dispatchErr.Error()
	if err := d.recorder.MarkFailed(d.base, t.ID, msg); err != nil {
		d.logger.Warn("Failed to record dispatch failure", "timer_id", t.ID, "error", err)
	}
	d.logger.Warn("Timer dispatch failed", "timer_id", t.ID, "kind", kind, "error", msg)
	if d.metrics != nil {
		d.metrics.DispatchRecorded(kind, false)
	}
	d.emit(t, timer.StatusFailed, msg)
}

func (d *Dispatcher) emit(t *timer.Timer, status timer.Status, errMsg string) {
	done := t.Clone()
	done.Status = status
	now := time.Now().UTC()
	done.ExecutedAt = &now

	eventType := events.EventTypeTimerCompleted
	if status == timer.StatusFailed {
		eventType = events.EventTypeTimerFailed
	}
	d.bus.Emit(d.base, eventType, events.TimerData(done, errMsg))
}

// Drain waits for in-flight jobs up to the grace window, then cancels
// whatever is still running and waits for the goroutines to exit.
func (d *Dispatcher) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("Dispatch drain exceeded grace window; canceling in-flight jobs", "grace", grace)
	}
	d.cancel()
	<-done
}

// callbackError carries the exact diagnostic recorded in last_error.
type callbackError struct {
	msg string
}

func (e *callbackError) Error() string {
	return e.msg
}
