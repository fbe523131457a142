package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// DefaultSubjectPrefix is where lifecycle events land on the broker unless
// configured otherwise.
const DefaultSubjectPrefix = "timers.events"

// typePrefix is stripped from event types when deriving broker subjects.
const typePrefix = "com.timerplatform."

// Publisher is the transport the NATS observer publishes through. The
// pubsub connection satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSObserver forwards bus events to the broker as structured-mode
// CloudEvents JSON. The subject is the configured prefix plus the event
// type with its reverse-DNS prefix stripped, e.g.
// "timers.events.timer.completed".
type NATSObserver struct {
	publisher Publisher
	prefix    string
}

// NewNATSObserver creates the observer. An empty prefix selects
// DefaultSubjectPrefix.
func NewNATSObserver(publisher Publisher, prefix string) *NATSObserver {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSObserver{publisher: publisher, prefix: prefix}
}

// OnEvent implements Observer by publishing the event.
func (o *NATSObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.Type(), err)
	}
	if err := o.publisher.Publish(o.subjectFor(event.Type()), data); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.Type(), err)
	}
	return nil
}

// ObserverID implements Observer.
func (o *NATSObserver) ObserverID() string {
	return "nats-cloudevents"
}

func (o *NATSObserver) subjectFor(eventType string) string {
	return o.prefix + "." + strings.TrimPrefix(eventType, typePrefix)
}
