package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

func cachedTimer(executeAt time.Time) *timer.Timer {
	return &timer.Timer{
		ID:        uuid.New(),
		Status:    timer.StatusPending,
		ExecuteAt: executeAt,
	}
}

func TestCacheDueReturnsAscendingOrder(t *testing.T) {
	now := time.Now().UTC()
	late := cachedTimer(now.Add(-time.Second))
	early := cachedTimer(now.Add(-time.Minute))
	future := cachedTimer(now.Add(time.Minute))

	c := newCache()
	c.Replace([]*timer.Timer{late, early, future})

	due := c.Due(now)
	assert.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)
}

func TestCacheReplaceDiscardsPreviousSnapshot(t *testing.T) {
	now := time.Now().UTC()
	old := cachedTimer(now.Add(-time.Second))

	c := newCache()
	c.Replace([]*timer.Timer{old})
	assert.Equal(t, 1, c.Size())

	fresh := cachedTimer(now.Add(-time.Second))
	c.Replace([]*timer.Timer{fresh})

	due := c.Due(now)
	assert.Len(t, due, 1)
	assert.Equal(t, fresh.ID, due[0].ID)
}

func TestCacheRemove(t *testing.T) {
	now := time.Now().UTC()
	keep := cachedTimer(now.Add(-time.Second))
	drop := cachedTimer(now.Add(-time.Second))

	c := newCache()
	c.Replace([]*timer.Timer{keep, drop})
	c.Remove(drop.ID)

	// Removing an id twice is harmless.
	c.Remove(drop.ID)

	assert.Equal(t, 1, c.Size())
	due := c.Due(now)
	assert.Len(t, due, 1)
	assert.Equal(t, keep.ID, due[0].ID)
}

func TestCacheEmpty(t *testing.T) {
	c := newCache()
	assert.Zero(t, c.Size())
	assert.Empty(t, c.Due(time.Now().UTC()))
}
