package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// MemoryStore implements TimerStore with an in-memory map. It backs the
// engine and API tests and the "memory" driver for ephemeral runs; rows do
// not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	timers map[uuid.UUID]*timer.Timer
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		timers: make(map[uuid.UUID]*timer.Timer),
		now:    nowUTC,
	}
}

// Create inserts a new pending timer with a fresh id.
func (s *MemoryStore) Create(_ context.Context, params CreateParams) (*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	if _, exists := s.timers[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrConflict, id)
	}

	now := s.now()
	t := &timer.Timer{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ExecuteAt: params.ExecuteAt.UTC().Truncate(time.Microsecond),
		Callback:  params.Callback.Clone(),
		Status:    timer.StatusPending,
		Metadata:  params.Metadata,
	}
	s.timers[id] = t
	return t.Clone(), nil
}

// Get returns the current row, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*timer.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.timers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// List returns a page of timers plus the total count for the filter.
func (s *MemoryStore) List(_ context.Context, query ListQuery) ([]*timer.Timer, int64, error) {
	query = query.Normalize()

	s.mu.RLock()
	matched := make([]*timer.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		if query.Status != nil && t.Status != *query.Status {
			continue
		}
		matched = append(matched, t.Clone())
	}
	s.mu.RUnlock()

	asc := query.Order == OrderAsc
	sort.Slice(matched, func(i, j int) bool {
		a := sortKey(matched[i], query.Sort)
		b := sortKey(matched[j], query.Sort)
		if asc {
			return a.Before(b)
		}
		return b.Before(a)
	})

	total := int64(len(matched))
	start := query.Offset
	if start > total {
		start = total
	}
	end := start + query.Limit
	if end > total {
		end = total
	}

	return matched[start:end], total, nil
}

func sortKey(t *timer.Timer, field string) time.Time {
	if field == SortExecuteAt {
		return t.ExecuteAt
	}
	return t.CreatedAt
}

// Update applies the provided fields, refusing rows already terminal.
func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, params UpdateParams) (*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.timers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %s", ErrTerminalState, t.Status)
	}

	if params.ExecuteAt != nil {
		t.ExecuteAt = params.ExecuteAt.UTC().Truncate(time.Microsecond)
	}
	if params.Callback != nil {
		t.Callback = params.Callback.Clone()
	}
	if params.Metadata != nil {
		t.Metadata = params.Metadata
	}
	t.UpdatedAt = s.now()

	return t.Clone(), nil
}

// Cancel moves a pending or executing timer to canceled.
func (s *MemoryStore) Cancel(_ context.Context, id uuid.UUID) (*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.timers[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.Status.CanTransitionTo(timer.StatusCanceled) {
		return nil, fmt.Errorf("%w: status %s", ErrTerminalState, t.Status)
	}

	t.Status = timer.StatusCanceled
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

// ClaimDue atomically transitions pending to executing.
func (s *MemoryStore) ClaimDue(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.timers[id]
	if !exists || t.Status != timer.StatusPending {
		return false, nil
	}

	t.Status = timer.StatusExecuting
	t.UpdatedAt = s.now()
	return true, nil
}

// MarkCompleted finishes a claimed timer; terminal rows are left untouched.
func (s *MemoryStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return s.finish(id, timer.StatusCompleted, "")
}

// MarkFailed finishes a claimed timer with a diagnostic message; terminal
// rows are left untouched.
func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return s.finish(id, timer.StatusFailed, errMsg)
}

func (s *MemoryStore) finish(id uuid.UUID, status timer.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.timers[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != timer.StatusExecuting {
		// Already terminal; the first write won.
		return nil
	}

	now := s.now()
	t.Status = status
	t.LastError = errMsg
	t.ExecutedAt = &now
	t.UpdatedAt = now
	return nil
}

// LoadWindow returns pending timers inside (now-lookback, now+lookahead],
// ordered by execute_at ascending.
func (s *MemoryStore) LoadWindow(_ context.Context, now time.Time, lookback, lookahead time.Duration) ([]*timer.Timer, error) {
	lower := now.Add(-lookback)
	upper := now.Add(lookahead)

	s.mu.RLock()
	window := make([]*timer.Timer, 0)
	for _, t := range s.timers {
		if t.Status != timer.StatusPending {
			continue
		}
		if t.ExecuteAt.After(lower) && !t.ExecuteAt.After(upper) {
			window = append(window, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(window, func(i, j int) bool {
		return window[i].ExecuteAt.Before(window[j].ExecuteAt)
	})
	return window, nil
}

// ReapExecuting fails executing rows whose execute_at is before the cutoff.
func (s *MemoryStore) ReapExecuting(_ context.Context, before time.Time, reason string) (int64, error) {
	return s.reap(func(t *timer.Timer) bool { return t.ExecuteAt.Before(before) }, reason)
}

// ReapStale fails executing rows whose updated_at is before the cutoff.
func (s *MemoryStore) ReapStale(_ context.Context, updatedBefore time.Time, reason string) (int64, error) {
	return s.reap(func(t *timer.Timer) bool { return t.UpdatedAt.Before(updatedBefore) }, reason)
}

func (s *MemoryStore) reap(overdue func(*timer.Timer) bool, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped int64
	now := s.now()
	for _, t := range s.timers {
		if t.Status != timer.StatusExecuting || !overdue(t) {
			continue
		}
		at := now
		t.Status = timer.StatusFailed
		t.LastError = reason
		t.ExecutedAt = &at
		t.UpdatedAt = now
		reaped++
	}
	return reaped, nil
}

// PurgeTerminal deletes terminal rows not updated since the cutoff.
func (s *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, t := range s.timers {
		if t.Status.Terminal() && t.UpdatedAt.Before(before) {
			delete(s.timers, id)
			purged++
		}
	}
	return purged, nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
