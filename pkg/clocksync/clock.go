// Package clocksync implements Berkeley clock synchronization. The
// coordinator polls every follower for its offset, averages the offsets
// together with its own zero offset, and sends each node the correction that
// brings it to the average.
package clocksync

import (
	"sync"
	"time"
)

// Clock is a source of the current time
type Clock interface {
	Now() time.Time
}

// LocalClock is a base time source plus an additive offset. Corrections
// accumulate; the offset is never reset.
type LocalClock struct {
	base   func() time.Time
	offset time.Duration
	mu     sync.RWMutex
}

// NewLocalClock creates a clock over base. A nil base uses time.Now.
func NewLocalClock(base func() time.Time) *LocalClock {
	if base == nil {
		base = time.Now
	}
	return &LocalClock{base: base}
}

// NewSkewedClock creates a clock starting offset away from the host clock
func NewSkewedClock(offset time.Duration) *LocalClock {
	c := NewLocalClock(nil)
	c.offset = offset
	return c
}

// Now returns the adjusted time
func (c *LocalClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.base().Add(c.offset)
}

// Adjust shifts the clock by d
func (c *LocalClock) Adjust(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offset += d
}

// Offset returns the accumulated offset from the base source
func (c *LocalClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.offset
}
