package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

type createTimerRequest struct {
	ExecuteAt time.Time            `json:"execute_at"`
	Callback  timer.CallbackConfig `json:"callback"`
	Metadata  json.RawMessage      `json:"metadata,omitempty"`
}

type updateTimerRequest struct {
	ExecuteAt *time.Time            `json:"execute_at"`
	Callback  *timer.CallbackConfig `json:"callback"`
	Metadata  json.RawMessage       `json:"metadata"`
}

// timerSummary is the compact row view returned by create, update, and list.
type timerSummary struct {
	ID           uuid.UUID  `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExecuteAt    time.Time  `json:"execute_at"`
	CallbackType string     `json:"callback_type"`
	Status       string     `json:"status"`
	ExecutedAt   *time.Time `json:"executed_at"`
}

// timerDetail adds the full callback config and audit fields. Absent
// optionals serialize as null.
type timerDetail struct {
	ID         uuid.UUID            `json:"id"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
	ExecuteAt  time.Time            `json:"execute_at"`
	Callback   timer.CallbackConfig `json:"callback"`
	Status     string               `json:"status"`
	LastError  *string              `json:"last_error"`
	ExecutedAt *time.Time           `json:"executed_at"`
	Metadata   json.RawMessage      `json:"metadata"`
}

type listTimersResponse struct {
	Timers []timerSummary `json:"timers"`
	Total  int64          `json:"total"`
	Limit  int64          `json:"limit"`
	Offset int64          `json:"offset"`
}

type cancelTimerResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

type healthData struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

func summarize(t *timer.Timer) timerSummary {
	return timerSummary{
		ID:           t.ID,
		CreatedAt:    t.CreatedAt,
		ExecuteAt:    t.ExecuteAt,
		CallbackType: string(t.CallbackType()),
		Status:       t.Status.String(),
		ExecutedAt:   t.ExecutedAt,
	}
}

func detail(t *timer.Timer) timerDetail {
	d := timerDetail{
		ID:         t.ID,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		ExecuteAt:  t.ExecuteAt,
		Callback:   t.Callback,
		Status:     t.Status.String(),
		ExecutedAt: t.ExecutedAt,
		Metadata:   t.Metadata,
	}
	if t.LastError != "" {
		d.LastError = &t.LastError
	}
	return d
}
