// Package testutil provides deterministic test doubles shared across the
// SDK's packages: a controllable clock and a scripted delivery sender.
package testutil

import (
	"sync"
	"time"
)

// Clock provides a thread-safe controllable wall clock for tests.
//
// Session expiry, rate windows, dedup expiry, and screen durations are all
// driven by elapsed wall time. Tests pass clock.Now as the component's now
// function and advance time explicitly, so timing behavior is exact and
// tests never sleep to cross a threshold.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock fixed at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current instant. Pass the method value as a component's
// now function.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to a specific instant.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
