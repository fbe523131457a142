// Package store persists timer records and exposes the verb-level contract
// the engine and admission API are built on. Two backends implement the
// contract: a SQL store (PostgreSQL or SQLite) and an in-memory store for
// tests and ephemeral runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// Store errors. Callers match with errors.Is; anything else coming out of a
// backend is an infrastructure failure wrapped with operation context.
var (
	ErrNotFound      = errors.New("timer not found")
	ErrTerminalState = errors.New("timer is in a terminal state")
	ErrConflict      = errors.New("timer id already exists")
)

// Sort fields accepted by List.
const (
	SortCreatedAt = "created_at"
	SortExecuteAt = "execute_at"
)

// Sort orders accepted by List.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// List clamping bounds.
const (
	MinLimit = 1
	MaxLimit = 200
)

// CreateParams carries the caller-supplied fields of a new timer. The store
// assigns id, status, and the audit timestamps.
type CreateParams struct {
	ExecuteAt time.Time
	Callback  timer.CallbackConfig
	Metadata  json.RawMessage
}

// UpdateParams applies a partial edit. Nil fields are left untouched;
// updated_at is always bumped.
type UpdateParams struct {
	ExecuteAt *time.Time
	Callback  *timer.CallbackConfig
	Metadata  json.RawMessage
}

// ListQuery selects, orders, and paginates timers for the admission API.
type ListQuery struct {
	Status *timer.Status
	Limit  int64
	Offset int64
	Sort   string
	Order  string
}

// Normalize fills defaults and clamps the query into the supported ranges:
// limit to [1, 200], offset to >= 0, sort to created_at, order to desc.
func (q ListQuery) Normalize() ListQuery {
	if q.Limit < MinLimit {
		q.Limit = MinLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Sort == "" {
		q.Sort = SortCreatedAt
	}
	if q.Order == "" {
		q.Order = OrderDesc
	}
	return q
}

// TimerStore is the durable source of truth for timer rows. ClaimDue is the
// single point of serialization: whatever the cache believes, a timer fires
// only if its compare-and-set from pending to executing succeeds here.
type TimerStore interface {
	// Create inserts a new pending timer with a fresh id.
	Create(ctx context.Context, params CreateParams) (*timer.Timer, error)

	// Get returns the current row, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*timer.Timer, error)

	// List returns a page of timers plus the total count for the filter.
	List(ctx context.Context, query ListQuery) ([]*timer.Timer, int64, error)

	// Update applies the provided fields. Returns ErrTerminalState when the
	// row has already reached a terminal status.
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*timer.Timer, error)

	// Cancel moves a pending or executing timer to canceled. Returns
	// ErrTerminalState for rows already terminal. Canceling an executing
	// timer does not abort its in-flight dispatch.
	Cancel(ctx context.Context, id uuid.UUID) (*timer.Timer, error)

	// ClaimDue atomically transitions pending to executing. True means this
	// caller owns the one and only dispatch for the timer; false means the
	// row was already claimed, canceled, or otherwise not pending.
	ClaimDue(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkCompleted finishes a claimed timer, setting executed_at. A row
	// already in a terminal state is left untouched and no error is
	// returned; see the terminal-write idempotence note in DESIGN.md.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkFailed finishes a claimed timer with a diagnostic message,
	// setting executed_at. Terminal rows are left untouched like
	// MarkCompleted.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// LoadWindow returns pending timers with execute_at inside
	// (now-lookback, now+lookahead], ordered by execute_at ascending.
	LoadWindow(ctx context.Context, now time.Time, lookback, lookahead time.Duration) ([]*timer.Timer, error)

	// ReapExecuting fails executing rows whose execute_at is before the
	// cutoff, recording the given reason. Returns the number of rows
	// reaped. Used by crash recovery at boot.
	ReapExecuting(ctx context.Context, before time.Time, reason string) (int64, error)

	// ReapStale fails executing rows whose updated_at is before the
	// cutoff, recording the given reason. Returns the number of rows
	// reaped. Used by housekeeping; keyed on updated_at so a recent
	// late claim is not reaped mid-dispatch.
	ReapStale(ctx context.Context, updatedBefore time.Time, reason string) (int64, error)

	// PurgeTerminal deletes terminal rows not updated since the cutoff.
	// Returns the number of rows removed.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)

	// Ping probes backend connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// nowUTC produces the canonical store timestamp: UTC, microsecond
// precision, so PostgreSQL and SQLite round-trip identical values.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
