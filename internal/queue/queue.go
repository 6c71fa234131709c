// Package queue implements the durable delivery queue for events that could
// not be sent immediately.
//
// The queue is a FIFO-biased multiset persisted as a single JSON array under
// one storage key. Every mutation is a whole-queue rewrite: simple and
// crash-safe (one atomic persistence write) at O(n) cost per mutation, which
// is acceptable because n is bounded by the configured maximum size.
//
// The in-memory slice is authoritative. Persistence failures degrade that
// mutation to memory-only and are never surfaced to callers.
package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon-go/internal/storage"
)

// Defaults for queue bounds.
const (
	DefaultMaxSize    = 1000
	DefaultMaxRetries = 3
	DefaultMaxBatch   = 50
)

// Event is one pending network send.
type Event struct {
	ID         string          `json:"id"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Sender performs a single delivery attempt. Implemented by
// transport.HTTPSender (production) and testutil.ScriptedSender (tests).
type Sender interface {
	AttemptSend(ctx context.Context, endpoint string, payload json.RawMessage) bool
}

// FlushResult summarizes one FlushBatch call.
type FlushResult struct {
	// Skipped is true when another flush was already in progress and this
	// call no-oped.
	Skipped bool

	Attempted int // items selected for delivery
	Delivered int // removed after a successful send
	Retried   int // failed with retries remaining; retryCount incremented
	Discarded int // failed with no retries remaining; dropped permanently
}

// Queue is the durable, bounded, ordered queue of pending sends.
//
// Thread-safety: all methods are safe for concurrent use. A single atomic
// flag guards FlushBatch so overlapping flushes no-op instead of racing on
// the persisted queue.
type Queue struct {
	mu         sync.Mutex
	kv         storage.KV
	log        *slog.Logger
	now        func() time.Time
	maxSize    int
	maxRetries int
	events     []Event

	flushing atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize bounds the queue length. Oldest entries are dropped first
// when the bound is exceeded. Default: 1000.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithMaxRetries bounds delivery attempts per event beyond the initial
// send. An event failing with retryCount at the bound is discarded.
// Default: 3.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithLogger sets the debug logging sink.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue over the given persistence layer.
// Call Load to restore events surviving a prior process lifetime.
func New(kv storage.KV, opts ...Option) *Queue {
	q := &Queue{
		kv:         kv,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
		maxSize:    DefaultMaxSize,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewEvent builds a queued event for a failed send. IDs are UUIDv7 so
// queue contents stay sortable by creation time when inspected.
func (q *Queue) NewEvent(endpoint string, payload json.RawMessage) Event {
	return Event{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Endpoint:   endpoint,
		Payload:    payload,
		EnqueuedAt: q.now(),
	}
}

// Load restores the persisted queue. A missing key yields an empty queue;
// a corrupt value is discarded with a warning rather than failing startup.
func (q *Queue) Load(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, found, err := q.kv.Get(ctx, storage.KeyOfflineQueue)
	if err != nil {
		q.log.Warn("offline queue load failed, starting empty", "error", err)
		return
	}
	if !found || raw == "" {
		return
	}

	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		q.log.Warn("offline queue corrupt, starting empty", "error", err)
		return
	}
	q.events = events
	q.log.Debug("offline queue loaded", "pending", len(events))
}

// Enqueue appends an event, then prunes to the maximum size by dropping
// the oldest entries.
func (q *Queue) Enqueue(ctx context.Context, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, ev)
	if over := len(q.events) - q.maxSize; over > 0 {
		q.log.Debug("offline queue full, dropping oldest", "dropped", over)
		q.events = append([]Event(nil), q.events[over:]...)
	}
	q.persist(ctx)
}

// Remove deletes the event with the given id. No-op if absent.
func (q *Queue) Remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.removeLocked(id) {
		q.persist(ctx)
	}
}

// Update replaces the stored event with the same id. No-op if absent.
func (q *Queue) Update(ctx context.Context, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.events {
		if q.events[i].ID == ev.ID {
			q.events[i] = ev
			q.persist(ctx)
			return
		}
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Events returns a copy of the pending events in order.
// Used by the CLI for queue inspection.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Event, len(q.events))
	copy(out, q.events)
	return out
}

// Persist writes the current queue state through to storage.
// Used on background transitions to make sure nothing is lost if the
// process is killed shortly after.
func (q *Queue) Persist(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persist(ctx)
}

// FlushBatch attempts delivery for up to maxBatch events from the front of
// the queue. maxBatch <= 0 uses DefaultMaxBatch.
//
// All attempts are issued concurrently and every outcome is collected
// before the queue is rewritten: success removes the event, failure with
// retries remaining increments its retry count, failure at the retry bound
// discards it permanently (data loss by design to bound storage).
//
// Re-entrancy: if a flush is already in progress the call no-ops and
// reports Skipped. This prevents duplicate sends and overlapping rewrites
// of the persisted queue.
//
// An event enqueued after the batch snapshot simply waits for the next
// cycle; no ordering guarantee is made between it and the in-flight batch.
func (q *Queue) FlushBatch(ctx context.Context, sender Sender, maxBatch int) FlushResult {
	if !q.flushing.CompareAndSwap(false, true) {
		q.log.Debug("flush already in progress, skipping")
		return FlushResult{Skipped: true}
	}
	defer q.flushing.Store(false)

	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}

	q.mu.Lock()
	n := min(maxBatch, len(q.events))
	batch := make([]Event, n)
	copy(batch, q.events[:n])
	q.mu.Unlock()

	if n == 0 {
		return FlushResult{}
	}

	// Fire all attempts, then await all: per-item failure never aborts
	// the batch, and total latency is bounded by the slowest attempt
	// rather than the sum.
	outcomes := make([]bool, n)
	var wg sync.WaitGroup
	for i, ev := range batch {
		wg.Add(1)
		go func(i int, ev Event) {
			defer wg.Done()
			outcomes[i] = sender.AttemptSend(ctx, ev.Endpoint, ev.Payload)
		}(i, ev)
	}
	wg.Wait()

	result := FlushResult{Attempted: n}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ev := range batch {
		if outcomes[i] {
			q.removeLocked(ev.ID)
			result.Delivered++
			continue
		}
		if ev.RetryCount >= q.maxRetries {
			q.removeLocked(ev.ID)
			result.Discarded++
			q.log.Debug("event discarded after retry limit",
				"id", ev.ID,
				"endpoint", ev.Endpoint,
				"retries", ev.RetryCount,
			)
			continue
		}
		for j := range q.events {
			if q.events[j].ID == ev.ID {
				q.events[j].RetryCount++
				break
			}
		}
		result.Retried++
	}
	q.persist(ctx)

	q.log.Debug("flush complete",
		"attempted", result.Attempted,
		"delivered", result.Delivered,
		"retried", result.Retried,
		"discarded", result.Discarded,
	)
	return result
}

// removeLocked deletes by id. Caller holds q.mu.
func (q *Queue) removeLocked(id string) bool {
	for i := range q.events {
		if q.events[i].ID == id {
			q.events = append(q.events[:i:i], q.events[i+1:]...)
			return true
		}
	}
	return false
}

// persist rewrites the whole queue to storage. Caller holds q.mu.
// Failures are swallowed; the in-memory queue stays authoritative.
func (q *Queue) persist(ctx context.Context) {
	data, err := json.Marshal(q.events)
	if err != nil {
		q.log.Warn("offline queue marshal failed", "error", err)
		return
	}
	if err := q.kv.Set(ctx, storage.KeyOfflineQueue, string(data)); err != nil {
		q.log.Warn("offline queue persist failed, continuing in memory", "error", err)
	}
}
