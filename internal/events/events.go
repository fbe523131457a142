// Package events provides the observer bus for timer lifecycle events.
// Components emit CloudEvents as timers are created, claimed, and finished;
// observers such as the NATS publisher fan them out without coupling the
// engine or API to any transport.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Timer lifecycle event types.
const (
	EventTypeTimerCreated   = "com.timerplatform.timer.created"
	EventTypeTimerUpdated   = "com.timerplatform.timer.updated"
	EventTypeTimerCanceled  = "com.timerplatform.timer.canceled"
	EventTypeTimerClaimed   = "com.timerplatform.timer.claimed"
	EventTypeTimerCompleted = "com.timerplatform.timer.completed"
	EventTypeTimerFailed    = "com.timerplatform.timer.failed"
	EventTypeTimerReaped    = "com.timerplatform.timer.reaped"
)

// Observer receives CloudEvents from the bus. Implementations should return
// quickly; slow work belongs in the observer's own goroutines.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration tracking.
	ObserverID() string
}

// ObserverInfo describes a registered observer, for debugging endpoints and
// tests.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type registration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// Bus distributes CloudEvents to registered observers. Notification is
// asynchronous; observer errors and panics are logged and never propagate
// to the emitter. A nil *Bus is valid and drops all events, so callers can
// emit unconditionally.
type Bus struct {
	source    string
	logger    *slog.Logger
	mu        sync.RWMutex
	observers map[string]*registration
}

// NewBus creates an event bus. source becomes the CloudEvents source
// attribute of everything emitted through Emit.
func NewBus(source string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		source:    source,
		logger:    logger.With("component", "events"),
		observers: make(map[string]*registration),
	}
}

// RegisterObserver adds an observer. With no eventTypes the observer
// receives every event; otherwise only the listed types.
func (b *Bus) RegisterObserver(observer Observer, eventTypes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	typeSet := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		typeSet[eventType] = true
	}

	b.observers[observer.ObserverID()] = &registration{
		observer:     observer,
		eventTypes:   typeSet,
		registeredAt: time.Now(),
	}

	b.logger.Info("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. Idempotent.
func (b *Bus) UnregisterObserver(observer Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.observers[observer.ObserverID()]; exists {
		delete(b.observers, observer.ObserverID())
		b.logger.Info("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// GetObservers returns information about currently registered observers.
func (b *Bus) GetObservers() []ObserverInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := make([]ObserverInfo, 0, len(b.observers))
	for _, reg := range b.observers {
		eventTypes := make([]string, 0, len(reg.eventTypes))
		for eventType := range reg.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		info = append(info, ObserverInfo{
			ID:           reg.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: reg.registeredAt,
		})
	}
	return info
}

// NotifyObservers sends an event to every interested observer, each in its
// own goroutine.
func (b *Bus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if b == nil {
		return nil
	}

	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := event.Validate(); err != nil {
		b.logger.Error("Invalid event", "eventType", event.Type(), "error", err)
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, reg := range b.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}

		reg := reg
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Observer panicked", "observerID", reg.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()

			if err := reg.observer.OnEvent(ctx, event); err != nil {
				b.logger.Error("Observer error", "observerID", reg.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

// Emit builds a CloudEvent with the bus source and notifies observers.
func (b *Bus) Emit(ctx context.Context, eventType string, data any) {
	if b == nil {
		return
	}
	event := NewCloudEvent(eventType, b.source, data, nil)
	if err := b.NotifyObservers(ctx, event); err != nil {
		b.logger.Error("Failed to notify observers", "event", eventType, "error", err)
	}
}

// EmitEvent forwards an already-built CloudEvent through the bus. It
// satisfies the store's migration EventEmitter.
func (b *Bus) EmitEvent(ctx context.Context, event cloudevents.Event) error {
	if b == nil {
		return nil
	}
	return b.NotifyObservers(ctx, event)
}

// FunctionalObserver wraps a plain function as an Observer. Convenient for
// tests and small inline consumers.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by the given function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
