// Package sequence assigns per-session monotone sequence numbers.
//
// The counter is process-local: one deliberation session is produced by
// exactly one process, so cross-process coordination is unnecessary. On
// the first sight of a session after a restart the counter seeds from
// the highest sequence already persisted, so the range stays contiguous
// across restarts.
package sequence

import (
	"context"
	"fmt"
	"sync"
)

// Seeder supplies the cold-start seed for a session: the highest
// sequence already in the permanent store, or 0 for a fresh session.
// Implemented by eventstore.Store.
type Seeder interface {
	MaxSequence(ctx context.Context, sessionID string) (int64, error)
}

// Counter hands out sequence numbers per session. Post-increment from
// the seed: the first value is seed+1, so a fresh session starts at 1.
type Counter struct {
	seeder Seeder

	mu       sync.Mutex
	counters map[string]*sessionCounter
}

// sessionCounter serialises seed-then-increment for one session, so
// concurrent publishers on a cold session cannot double-seed or race an
// increment past the seed read.
type sessionCounter struct {
	mu     sync.Mutex
	seeded bool
	value  int64
}

// NewCounter creates a Counter seeding from the given store.
func NewCounter(seeder Seeder) *Counter {
	return &Counter{
		seeder:   seeder,
		counters: make(map[string]*sessionCounter),
	}
}

// Next returns the next sequence for the session. The first call for a
// session blocks on the seed read; later calls are in-memory.
func (c *Counter) Next(ctx context.Context, sessionID string) (int64, error) {
	c.mu.Lock()
	sc, ok := c.counters[sessionID]
	if !ok {
		sc = &sessionCounter{}
		c.counters[sessionID] = sc
	}
	c.mu.Unlock()

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.seeded {
		seed, err := c.seeder.MaxSequence(ctx, sessionID)
		if err != nil {
			return 0, fmt.Errorf("seed sequence for session %s: %w", sessionID, err)
		}
		sc.value = seed
		sc.seeded = true
	}

	sc.value++
	return sc.value, nil
}

// Current returns the last sequence handed out for a session without
// advancing it, or 0 when the session is unknown to this process.
func (c *Counter) Current(sessionID string) int64 {
	c.mu.Lock()
	sc, ok := c.counters[sessionID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.value
}

// Forget releases a closed session's counter. A later Next for the same
// session re-seeds from the permanent store.
func (c *Counter) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.counters, sessionID)
	c.mu.Unlock()
}
