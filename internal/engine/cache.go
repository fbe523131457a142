package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// cache holds the near-term window of pending timers. The loader replaces
// the whole map; the ticker takes due snapshots and removes decided ids.
// Staleness of up to one load interval is tolerated because ClaimDue
// re-checks the durable row before anything fires.
type cache struct {
	mu     sync.RWMutex
	timers map[uuid.UUID]*timer.Timer
}

func newCache() *cache {
	return &cache{timers: make(map[uuid.UUID]*timer.Timer)}
}

// Replace swaps in a freshly loaded window.
func (c *cache) Replace(timers []*timer.Timer) {
	next := make(map[uuid.UUID]*timer.Timer, len(timers))
	for _, t := range timers {
		next[t.ID] = t
	}

	c.mu.Lock()
	c.timers = next
	c.mu.Unlock()
}

// Due returns the cached timers due at now, ordered by execute_at.
func (c *cache) Due(now time.Time) []*timer.Timer {
	c.mu.RLock()
	due := make([]*timer.Timer, 0)
	for _, t := range c.timers {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	c.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].ExecuteAt.Before(due[j].ExecuteAt)
	})
	return due
}

// Remove drops a timer once its claim has been decided either way.
func (c *cache) Remove(id uuid.UUID) {
	c.mu.Lock()
	delete(c.timers, id)
	c.mu.Unlock()
}

// Size returns the number of cached timers.
func (c *cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.timers)
}
