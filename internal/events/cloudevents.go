package events

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// NewCloudEvent builds a CloudEvents v1.0 envelope with a generated id and
// the current time. data is JSON-encoded; metadata entries become
// extensions.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		// SetData only fails for unsupported encodings; JSON never does.
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// TimerData builds the standard event payload for a timer. The optional
// errMsg is attached for failure events.
func TimerData(t *timer.Timer, errMsg string) map[string]any {
	data := map[string]any{
		"timer_id":      t.ID.String(),
		"status":        string(t.Status),
		"execute_at":    t.ExecuteAt.UTC().Format(time.RFC3339Nano),
		"callback_type": string(t.Callback.Type),
	}
	if t.ExecutedAt != nil {
		data["executed_at"] = t.ExecutedAt.UTC().Format(time.RFC3339Nano)
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return data
}

// generateEventID returns a UUIDv7 so event ids sort by creation time,
// falling back to v4 if the clock source misbehaves.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
