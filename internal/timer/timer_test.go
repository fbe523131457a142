package timer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input   string
		want    Status
		wantErr bool
	}{
		{"pending", StatusPending, false},
		{"executing", StatusExecuting, false},
		{"completed", StatusCompleted, false},
		{"failed", StatusFailed, false},
		{"canceled", StatusCanceled, false},
		{"PENDING", StatusPending, false},
		{"Canceled", StatusCanceled, false},
		{"", "", true},
		{"cancelled", "", true},
		{"done", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStatus(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusExecuting.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestStatusCanTransitionTo(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:   {StatusExecuting, StatusCanceled},
		StatusExecuting: {StatusCompleted, StatusFailed, StatusCanceled},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCanceled:  {},
	}

	for from, nexts := range allowed {
		legal := make(map[Status]bool, len(nexts))
		for _, n := range nexts {
			legal[n] = true
		}
		for _, to := range AllStatuses {
			assert.Equal(t, legal[to], from.CanTransitionTo(to),
				"transition %s -> %s", from, to)
		}
	}

	// Terminal states never move again, not even to themselves.
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled} {
		for _, to := range AllStatuses {
			assert.False(t, s.CanTransitionTo(to))
		}
	}
}

func TestTimerDue(t *testing.T) {
	now := time.Now().UTC()
	tm := &Timer{ExecuteAt: now}

	assert.True(t, tm.Due(now))
	assert.True(t, tm.Due(now.Add(time.Second)))
	assert.False(t, tm.Due(now.Add(-time.Millisecond)))
}

func TestTimerClone(t *testing.T) {
	executedAt := time.Now().UTC()
	original := &Timer{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		ExecuteAt: time.Now().UTC().Add(time.Minute),
		Callback: NewHTTPCallback(HTTPCallback{
			URL:     "https://example.com/hook",
			Headers: map[string]any{"X-Tenant": "a"},
			Payload: json.RawMessage(`{"n":1}`),
		}),
		Status:     StatusExecuting,
		ExecutedAt: &executedAt,
		Metadata:   json.RawMessage(`{"owner":"tests"}`),
	}

	clone := original.Clone()
	require.Equal(t, original, clone)

	// Mutating the clone must not leak back into the original.
	clone.Callback.HTTP.Headers["X-Tenant"] = "b"
	clone.Callback.HTTP.Payload[0] = ' '
	clone.Metadata[0] = ' '
	*clone.ExecutedAt = executedAt.Add(time.Hour)

	assert.Equal(t, "a", original.Callback.HTTP.Headers["X-Tenant"])
	assert.Equal(t, json.RawMessage(`{"n":1}`), original.Callback.HTTP.Payload)
	assert.Equal(t, json.RawMessage(`{"owner":"tests"}`), original.Metadata)
	assert.True(t, original.ExecutedAt.Equal(executedAt))
}

func TestTimerCallbackType(t *testing.T) {
	httpTimer := &Timer{Callback: NewHTTPCallback(HTTPCallback{URL: "http://x"})}
	pubTimer := &Timer{Callback: NewPubCallback(PubCallback{Topic: "jobs"})}

	assert.Equal(t, CallbackHTTP, httpTimer.CallbackType())
	assert.Equal(t, CallbackPub, pubTimer.CallbackType())
}
