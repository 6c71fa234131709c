package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/beaconhq/beacon-go/internal/transport"
)

// Pipeline limits and windows.
const (
	DefaultRateLimit  = 10               // captures per rate window
	DefaultRateWindow = 60 * time.Second // trailing window for the rate limit
	DefaultDedupTTL   = 5 * time.Minute  // how long a fingerprint suppresses duplicates
)

// Severity classifies a captured error.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Identity supplies the visitor/session identifiers stamped onto error
// payloads. Implemented by the client facade over the identity store.
type Identity interface {
	VisitorID() string
	SessionID(ctx context.Context) string
}

// Dispatcher is the outbound path for built payloads.
// Implemented by transport.Dispatcher.
type Dispatcher interface {
	SendOrEnqueue(ctx context.Context, endpoint string, payload json.RawMessage)
}

// ErrorPayload is the wire shape posted to the errors endpoint.
type ErrorPayload struct {
	VisitorID string         `json:"visitorId"`
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack"`
	Severity  Severity       `json:"severity"`
	UserAgent string         `json:"userAgent"`
	Timestamp int64          `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// Pipeline rate-limits, deduplicates, and ships captured errors.
//
// Every entry point is fire-and-forget: a dropped capture (rate limit,
// duplicate, not-ready identity) is silent, and nothing here ever
// propagates an error back into the application.
type Pipeline struct {
	identity   Identity
	dispatcher Dispatcher
	log        *slog.Logger
	now        func() time.Time
	userAgent  string
	context    map[string]any

	window *RateWindow
	dedup  *Dedup

	instMu    sync.Mutex
	installed bool
	prev      Handler
	slot      *HandlerSlot
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the debug logging sink.
func WithLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithUserAgent sets the userAgent field stamped onto payloads.
func WithUserAgent(ua string) PipelineOption {
	return func(p *Pipeline) { p.userAgent = ua }
}

// WithContext sets static context merged into every error payload.
func WithContext(ctx map[string]any) PipelineOption {
	return func(p *Pipeline) { p.context = ctx }
}

// WithRateLimit overrides the captures-per-window bound. Used by tests.
func WithRateLimit(limit int, window time.Duration) PipelineOption {
	return func(p *Pipeline) { p.window = NewRateWindow(limit, window, p.now) }
}

// WithDedupTTL overrides the duplicate-suppression window. Used by tests.
func WithDedupTTL(ttl time.Duration) PipelineOption {
	return func(p *Pipeline) { p.dedup = NewDedup(ttl, p.now) }
}

// NewPipeline creates a capture pipeline feeding the given dispatcher.
func NewPipeline(identity Identity, dispatcher Dispatcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		identity:   identity,
		dispatcher: dispatcher,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.window == nil {
		p.window = NewRateWindow(DefaultRateLimit, DefaultRateWindow, p.now)
	}
	if p.dedup == nil {
		p.dedup = NewDedup(DefaultDedupTTL, p.now)
	}
	return p
}

// Capture runs one error occurrence through the pipeline: fingerprint,
// rate limit, dedup, then send-or-enqueue. Silent on every drop path.
func (p *Pipeline) Capture(ctx context.Context, err error, severity Severity) {
	if err == nil {
		return
	}
	p.capture(ctx, "error", err.Error(), string(debug.Stack()), severity)
}

// CaptureWithStack is Capture for callers that already hold a stack trace,
// such as the handler chain and panic recovery.
func (p *Pipeline) CaptureWithStack(ctx context.Context, errType, message, stack string, severity Severity) {
	p.capture(ctx, errType, message, stack, severity)
}

// CaptureMessage synthesizes an error from a string and routes it through
// the same pipeline with the caller-chosen severity.
func (p *Pipeline) CaptureMessage(ctx context.Context, message string, severity Severity) {
	p.capture(ctx, "message", message, string(debug.Stack()), severity)
}

// Recover captures an in-flight panic. Use in a deferred call:
//
//	defer pipeline.Recover(ctx)
//
// The panic is swallowed after capture; the goroutine does not unwind
// further.
func (p *Pipeline) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		p.capture(ctx, "panic", fmt.Sprint(r), string(debug.Stack()), SeverityFatal)
	}
}

func (p *Pipeline) capture(ctx context.Context, errType, message, stack string, severity Severity) {
	// An empty visitor id means identity initialization has not completed;
	// the occurrence is dropped like any other pre-ready tracking call
	// rather than shipped with blank identifiers. The drop happens before
	// the rate window so it does not consume a capture slot.
	visitorID := p.identity.VisitorID()
	if visitorID == "" {
		p.log.Debug("identity not ready, dropping capture", "type", errType)
		return
	}

	fingerprint := Fingerprint(message, stack)

	if !p.window.Allow() {
		p.log.Debug("error capture rate limited", "fingerprint", fingerprint)
		return
	}
	if p.dedup.Seen(fingerprint) {
		p.log.Debug("duplicate error suppressed", "fingerprint", fingerprint)
		return
	}

	payload := ErrorPayload{
		VisitorID: visitorID,
		SessionID: p.identity.SessionID(ctx),
		Type:      errType,
		Message:   message,
		Stack:     stack,
		Severity:  severity,
		UserAgent: p.userAgent,
		Timestamp: p.now().UnixMilli(),
		Context:   p.context,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("error payload marshal failed", "error", err)
		return
	}

	p.log.Debug("error captured",
		"fingerprint", fingerprint,
		"type", errType,
		"severity", severity,
	)
	p.dispatcher.SendOrEnqueue(ctx, transport.EndpointErrors, data)
}
