// Package timer defines the timer record, its status lifecycle, and the
// callback configuration attached to each timer. All other packages build on
// these types: the store persists them, the engine claims and fires them, and
// the admission API creates and edits them.
package timer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a timer.
type Status string

// Timer lifecycle states
const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusExecuting,
	StatusCompleted,
	StatusFailed,
	StatusCanceled,
}

// ParseStatus converts a string into a Status, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(s)) {
	case StatusPending:
		return StatusPending, nil
	case StatusExecuting:
		return StatusExecuting, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusCanceled:
		return StatusCanceled, nil
	default:
		return "", fmt.Errorf("invalid timer status: %q", s)
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal rows are never
// mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving from s to
// next. Canceling an executing timer is permitted; it does not abort an
// in-flight dispatch, it only prevents a re-fire after crash recovery.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusExecuting || next == StatusCanceled
	case StatusExecuting:
		return next == StatusCompleted || next == StatusFailed || next == StatusCanceled
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Timer is the persistent record requesting one future callback. The store
// owns the durable row; the engine's cache holds short-lived copies that are
// discarded on every refresh and on claim.
type Timer struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExecuteAt  time.Time
	Callback   CallbackConfig
	Status     Status
	LastError  string
	ExecutedAt *time.Time
	Metadata   json.RawMessage
}

// CallbackType returns the discriminator of the attached callback.
func (t *Timer) CallbackType() CallbackType {
	return t.Callback.Type
}

// Due reports whether the timer's firing instant is at or before now.
func (t *Timer) Due(now time.Time) bool {
	return !t.ExecuteAt.After(now)
}

// Clone returns a deep copy, so cache snapshots and store reads cannot alias
// each other's headers, payloads, or metadata.
func (t *Timer) Clone() *Timer {
	cp := *t
	cp.Callback = t.Callback.Clone()
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		cp.ExecutedAt = &at
	}
	if t.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	return &cp
}
