package capture

import (
	"sync"
	"time"
)

// Dedup is a set of recently seen error fingerprints with per-entry expiry.
//
// Expiry is lazy: instead of one timer per entry (unbounded timer fan-out
// under load), entries carry an expire-at instant in a time-ordered queue
// that is swept on each check. Nothing runs between captures.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Dedup struct {
	mu    sync.Mutex
	now   func() time.Time
	ttl   time.Duration
	seen  map[string]time.Time // fingerprint -> expireAt
	order []expiryEntry        // sorted by expireAt (append order; ttl is constant)
}

type expiryEntry struct {
	expireAt    time.Time
	fingerprint string
}

// NewDedup creates a dedup set whose entries expire after ttl.
func NewDedup(ttl time.Duration, now func() time.Time) *Dedup {
	if now == nil {
		now = time.Now
	}
	return &Dedup{now: now, ttl: ttl, seen: make(map[string]time.Time)}
}

// Seen reports whether the fingerprint is already in the set. A miss
// records the fingerprint with a fresh expiry.
func (d *Dedup) Seen(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweep(now)

	if _, ok := d.seen[fingerprint]; ok {
		return true
	}

	expireAt := now.Add(d.ttl)
	d.seen[fingerprint] = expireAt
	d.order = append(d.order, expiryEntry{expireAt: expireAt, fingerprint: fingerprint})
	return false
}

// Len returns the number of live fingerprints. Used for testing.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweep(d.now())
	return len(d.seen)
}

// sweep evicts entries whose expiry has passed. The order queue is sorted
// by construction (constant ttl, monotone appends), so eviction stops at
// the first live entry. Caller holds d.mu.
func (d *Dedup) sweep(now time.Time) {
	i := 0
	for ; i < len(d.order); i++ {
		entry := d.order[i]
		if entry.expireAt.After(now) {
			break
		}
		// Only evict if the map still holds this exact expiry; the
		// fingerprint may have been re-added after expiring.
		if expireAt, ok := d.seen[entry.fingerprint]; ok && !expireAt.After(entry.expireAt) {
			delete(d.seen, entry.fingerprint)
		}
	}
	if i > 0 {
		d.order = append([]expiryEntry(nil), d.order[i:]...)
	}
}
