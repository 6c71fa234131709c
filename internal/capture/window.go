package capture

import (
	"sync"
	"time"
)

// RateWindow is a sliding window limiter over error-capture timestamps.
//
// At most limit captures are admitted per trailing window; further captures
// are dropped until earlier timestamps age out. The window forgets: an
// admission denied now can succeed later with no other state change.
//
// Thread-safety: safe for concurrent use via internal mutex.
type RateWindow struct {
	mu     sync.Mutex
	now    func() time.Time
	window time.Duration
	limit  int
	stamps []time.Time
}

// NewRateWindow creates a limiter admitting limit captures per window.
func NewRateWindow(limit int, window time.Duration, now func() time.Time) *RateWindow {
	if now == nil {
		now = time.Now
	}
	return &RateWindow{now: now, window: window, limit: limit}
}

// Allow records the current instant and reports true, or reports false
// without recording when the trailing window is already full.
func (w *RateWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	// Drop timestamps that aged out of the trailing window
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Len returns the number of timestamps currently inside the window.
// Used for testing.
func (w *RateWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stamps)
}
