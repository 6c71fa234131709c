// Package screen derives screen-view and duration events from navigation
// activity.
//
// One screen view is active at a time. Tracking a distinct screen emits a
// duration event for the previous one and schedules activation of the new
// one after a debounce delay, absorbing rapid navigator churn during
// multi-step transitions. The new view only becomes current when its
// debounce timer fires, not when TrackScreen was called.
package screen

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon-go/internal/transport"
)

// Debounce and duration bounds.
const (
	DefaultFirstDebounce = 300 * time.Millisecond  // very first screen of the process lifetime
	DefaultDebounce      = 1000 * time.Millisecond // subsequent transitions
	minDuration          = 1 * time.Second
	maxDurationSeconds   = 3600
)

// Identity supplies the identifiers stamped onto screen payloads.
type Identity interface {
	VisitorID() string
	SessionID(ctx context.Context) string
}

// Dispatcher is the outbound path for screen payloads.
type Dispatcher interface {
	SendOrEnqueue(ctx context.Context, endpoint string, payload json.RawMessage)
}

// ViewPayload is the wire shape for a screen-view activation.
type ViewPayload struct {
	VisitorID    string `json:"visitorId"`
	SessionID    string `json:"sessionId"`
	ScreenViewID string `json:"screenViewId"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Timestamp    int64  `json:"timestamp"`
}

// DurationPayload is the wire shape for a screen duration event.
type DurationPayload struct {
	VisitorID    string `json:"visitorId"`
	SessionID    string `json:"sessionId"`
	ScreenViewID string `json:"screenViewId"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Duration     int64  `json:"duration"` // seconds, clamped to [1, 3600]
	Timestamp    int64  `json:"timestamp"`
}

// view is the single active screen slot.
type view struct {
	id           string
	name         string
	path         string
	startedAt    time.Time
	durationSent bool
}

// Tracker owns the active screen-view slot and the debounce timer.
//
// Thread-safety: all methods are safe for concurrent use via internal
// mutex. Timer callbacks re-acquire the lock.
type Tracker struct {
	mu         sync.Mutex
	identity   Identity
	dispatcher Dispatcher
	log        *slog.Logger
	now        func() time.Time

	firstDebounce time.Duration
	debounce      time.Duration

	active  *view
	pending *time.Timer
	// pendingGen invalidates stale timer callbacks: a timer that was
	// replaced must not activate its screen when it eventually fires.
	pendingGen uint64
	tracked    bool // a screen has been tracked this process lifetime
	closed     bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock used for durations. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the debug logging sink.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// WithDebounce overrides the activation delays. Used by tests to avoid
// real-time waits.
func WithDebounce(first, subsequent time.Duration) Option {
	return func(t *Tracker) {
		t.firstDebounce = first
		t.debounce = subsequent
	}
}

// NewTracker creates a tracker with no active screen.
func NewTracker(identity Identity, dispatcher Dispatcher, opts ...Option) *Tracker {
	t := &Tracker{
		identity:      identity,
		dispatcher:    dispatcher,
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:           time.Now,
		firstDebounce: DefaultFirstDebounce,
		debounce:      DefaultDebounce,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TrackScreen records a navigation to (name, path). An empty path defaults
// to "/"+name. Consecutive identical views are deduplicated; a distinct
// view emits the previous screen's duration and schedules the new
// activation after the debounce delay, replacing any activation still
// pending.
func (t *Tracker) TrackScreen(ctx context.Context, name, path string) {
	if name == "" {
		return
	}
	if path == "" {
		path = "/" + name
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.active != nil && t.active.name == name && t.active.path == path {
		t.log.Debug("duplicate screen view ignored", "name", name)
		t.mu.Unlock()
		return
	}

	duration := t.durationPayloadLocked(ctx)

	delay := t.debounce
	if !t.tracked {
		delay = t.firstDebounce
		t.tracked = true
	}

	// Single-slot scheduled activation: a new schedule atomically cancels
	// and replaces any pending one.
	if t.pending != nil {
		t.pending.Stop()
	}
	t.pendingGen++
	gen := t.pendingGen
	t.pending = time.AfterFunc(delay, func() {
		t.activate(ctx, gen, name, path)
	})
	t.mu.Unlock()

	if duration != nil {
		t.dispatcher.SendOrEnqueue(ctx, transport.EndpointScreenDuration, duration)
	}
}

// activate makes (name, path) the current view. The screen-view id and
// start timestamp are assigned here, at the moment the debounce fires.
func (t *Tracker) activate(ctx context.Context, gen uint64, name, path string) {
	t.mu.Lock()
	if t.closed || gen != t.pendingGen {
		t.mu.Unlock()
		return
	}
	t.pending = nil

	v := &view{
		id:        uuid.NewString(),
		name:      name,
		path:      path,
		startedAt: t.now(),
	}
	t.active = v

	payload := ViewPayload{
		VisitorID:    t.identity.VisitorID(),
		SessionID:    t.identity.SessionID(ctx),
		ScreenViewID: v.id,
		Name:         v.name,
		Path:         v.path,
		Timestamp:    v.startedAt.UnixMilli(),
	}
	t.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		t.log.Warn("screen payload marshal failed", "error", err)
		return
	}
	t.log.Debug("screen view activated", "name", name, "path", path)
	t.dispatcher.SendOrEnqueue(ctx, transport.EndpointScreen, data)
}

// FlushDuration emits the active screen's duration immediately, if it has
// one to send. Used on background transitions so time on the current
// screen is not lost if the process dies.
func (t *Tracker) FlushDuration(ctx context.Context) {
	t.mu.Lock()
	duration := t.durationPayloadLocked(ctx)
	t.mu.Unlock()

	if duration != nil {
		t.dispatcher.SendOrEnqueue(ctx, transport.EndpointScreenDuration, duration)
	}
}

// ActiveScreen returns the current view's (name, path), or ("", "") when
// no view is active. Used for testing and diagnostics.
func (t *Tracker) ActiveScreen() (name, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return "", ""
	}
	return t.active.name, t.active.path
}

// Close cancels any pending activation. Further TrackScreen calls no-op.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.pendingGen++
}

// durationPayloadLocked builds the duration event for the active view, at
// most once per view, and returns nil when there is nothing to send. Views
// shorter than one second are dropped rather than rounded up. Caller holds
// t.mu; the caller dispatches the returned payload after unlocking.
func (t *Tracker) durationPayloadLocked(ctx context.Context) json.RawMessage {
	v := t.active
	if v == nil || v.durationSent {
		return nil
	}
	// Sending is recorded before the elapsed check: leaving a sub-second
	// screen clears its duration tracking rather than deferring it.
	v.durationSent = true

	now := t.now()
	elapsed := now.Sub(v.startedAt)
	if elapsed < minDuration {
		return nil
	}
	seconds := int64(elapsed.Seconds())
	if seconds > maxDurationSeconds {
		seconds = maxDurationSeconds
	}

	payload := DurationPayload{
		VisitorID:    t.identity.VisitorID(),
		SessionID:    t.identity.SessionID(ctx),
		ScreenViewID: v.id,
		Name:         v.name,
		Path:         v.path,
		Duration:     seconds,
		Timestamp:    now.UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.log.Warn("duration payload marshal failed", "error", err)
		return nil
	}
	t.log.Debug("screen duration emitted", "name", v.name, "seconds", seconds)
	return data
}
