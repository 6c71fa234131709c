// Package beacon is a client-side telemetry SDK: it captures screen-view,
// custom-event, identity, and error signals, buffers them durably, and
// delivers them to a remote collector over an unreliable network.
//
// Every public operation is best-effort fire-and-forget: no call ever
// panics or surfaces an internal failure to the application. Failed sends
// land in a durable offline queue with bounded retry; persistence failures
// degrade to in-memory operation for that call.
package beacon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/beaconhq/beacon-go/internal/capture"
	"github.com/beaconhq/beacon-go/internal/ident"
	"github.com/beaconhq/beacon-go/internal/queue"
	"github.com/beaconhq/beacon-go/internal/screen"
	"github.com/beaconhq/beacon-go/internal/storage"
	"github.com/beaconhq/beacon-go/internal/transport"
)

// Severity classifies a captured error or message.
type Severity = capture.Severity

// Severity levels for CaptureMessage.
const (
	SeverityFatal   = capture.SeverityFatal
	SeverityError   = capture.SeverityError
	SeverityWarning = capture.SeverityWarning
	SeverityInfo    = capture.SeverityInfo
)

// eventPayload is the wire shape for custom events.
type eventPayload struct {
	VisitorID  string         `json:"visitorId"`
	SessionID  string         `json:"sessionId"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// identifyPayload is the wire shape for identify calls.
type identifyPayload struct {
	VisitorID string         `json:"visitorId"`
	SessionID string         `json:"sessionId"`
	Traits    map[string]any `json:"traits,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Client is the SDK entry point. Create one per process with New and
// release it with Close.
type Client struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	kv         storage.KV
	sqlite     *storage.SQLite // nil when running in-memory
	identity   *ident.Store
	queue      *queue.Queue
	dispatcher *transport.Dispatcher
	flusher    *transport.Flusher
	errors     *capture.Pipeline
	screens    *screen.Tracker
	slot       *capture.HandlerSlot

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	log        *slog.Logger
	now        func() time.Time
	httpClient *http.Client
	sender     queue.Sender
	slot       *capture.HandlerSlot
	debounce   [2]time.Duration
}

// WithLogger enables the opt-in debug logging sink. Absence of logging
// changes no behavior.
func WithLogger(log *slog.Logger) Option {
	return func(o *clientOptions) { o.log = log }
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithSender replaces the HTTP transport entirely. Used by tests.
func WithSender(s queue.Sender) Option {
	return func(o *clientOptions) { o.sender = s }
}

// WithHandlerSlot selects the uncaught-error slot the pipeline installs
// into when Config.CaptureErrors is set. Defaults to ProcessHandlerSlot.
func WithHandlerSlot(slot *capture.HandlerSlot) Option {
	return func(o *clientOptions) { o.slot = slot }
}

// WithScreenDebounce overrides the screen activation delays. Used by tests.
func WithScreenDebounce(first, subsequent time.Duration) Option {
	return func(o *clientOptions) { o.debounce = [2]time.Duration{first, subsequent} }
}

// ProcessHandlerSlot is the default process-wide uncaught-error hook.
// Host applications route recovered panics and framework error callbacks
// into its Dispatch method.
var ProcessHandlerSlot = capture.NewHandlerSlot()

// identityAdapter binds the identity store to the configured session
// timeout for the subsystems that stamp identifiers onto payloads.
type identityAdapter struct {
	store   *ident.Store
	timeout time.Duration
}

func (a identityAdapter) VisitorID() string { return a.store.VisitorID() }

func (a identityAdapter) SessionID(ctx context.Context) string {
	return a.store.SessionID(ctx, a.timeout)
}

// New creates and starts a client.
//
// The identity store initializes and the offline queue loads in the
// background; tracking calls made before initialization completes no-op.
// One queue flush runs immediately after the load to drain events
// surviving a prior process lifetime, then one per flush interval.
//
// Errors are returned only for invalid configuration. Storage problems
// (an unopenable database path) degrade to in-memory operation with a
// warning rather than failing construction.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	options := clientOptions{
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	c := &Client{
		cfg: cfg,
		log: options.log,
		now: options.now,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	// Storage: durable when a path is configured, otherwise in-memory.
	// An unopenable database degrades to in-memory rather than failing.
	if cfg.StoragePath != "" {
		sqlite, err := storage.Open(cfg.StoragePath)
		if err != nil {
			c.log.Warn("durable storage unavailable, falling back to memory", "error", err)
			c.kv = storage.NewMemory()
		} else {
			c.sqlite = sqlite
			c.kv = sqlite
		}
	} else {
		c.kv = storage.NewMemory()
	}

	c.identity = ident.New(c.kv, ident.WithClock(c.now), ident.WithLogger(c.log))
	c.queue = queue.New(c.kv,
		queue.WithMaxSize(cfg.MaxQueueSize),
		queue.WithMaxRetries(cfg.MaxRetries),
		queue.WithClock(c.now),
		queue.WithLogger(c.log),
	)

	sender := options.sender
	if sender == nil {
		senderOpts := []transport.SenderOption{
			transport.WithSenderLogger(c.log),
			transport.WithVisitorMergeHandler(c.onVisitorMerge),
		}
		if cfg.AuthHeader {
			senderOpts = append(senderOpts, transport.WithAuthMode(transport.AuthHeader))
		}
		if options.httpClient != nil {
			senderOpts = append(senderOpts, transport.WithHTTPClient(options.httpClient))
		}
		sender = transport.NewHTTPSender(cfg.APIURL, cfg.APIKey, senderOpts...)
	}
	c.dispatcher = transport.NewDispatcher(sender, c.queue, c.log)
	c.flusher = transport.NewFlusher(c.dispatcher, cfg.FlushInterval, c.log)

	identity := identityAdapter{store: c.identity, timeout: cfg.SessionTimeout}

	c.errors = capture.NewPipeline(identity, c.dispatcher,
		capture.WithClock(c.now),
		capture.WithLogger(c.log),
		capture.WithUserAgent(cfg.UserAgent),
	)

	screenOpts := []screen.Option{
		screen.WithClock(c.now),
		screen.WithLogger(c.log),
	}
	if options.debounce[0] > 0 || options.debounce[1] > 0 {
		screenOpts = append(screenOpts, screen.WithDebounce(options.debounce[0], options.debounce[1]))
	}
	c.screens = screen.NewTracker(identity, c.dispatcher, screenOpts...)

	if cfg.CaptureErrors {
		c.slot = options.slot
		if c.slot == nil {
			c.slot = ProcessHandlerSlot
		}
		c.errors.Install(c.slot)
	}

	// Background startup: identity first so payloads carry identifiers,
	// then the persisted queue, then the flush loop (whose first flush
	// drains anything that survived a prior process lifetime).
	go func() {
		c.identity.Initialize(c.ctx, cfg.SessionTimeout)
		c.queue.Load(c.ctx)
		c.flusher.Start(c.ctx)
	}()

	return c, nil
}

// Ready reports whether initialization has completed. Tracking calls made
// earlier are dropped.
func (c *Client) Ready() bool {
	return c.identity.Ready()
}

// Track records a custom event. Malformed event names are rejected locally
// with no network call; the caller is never told.
func (c *Client) Track(name string, properties map[string]any) {
	if !c.ready() {
		return
	}
	if err := validateEventName(name); err != nil {
		c.log.Debug("event rejected", "name", name, "error", err)
		return
	}

	payload := eventPayload{
		VisitorID:  c.identity.VisitorID(),
		SessionID:  c.identity.SessionID(c.ctx, c.cfg.SessionTimeout),
		Name:       name,
		Properties: properties,
		Timestamp:  c.now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("event marshal failed", "name", name, "error", err)
		return
	}
	c.dispatcher.SendOrEnqueue(c.ctx, transport.EndpointEvent, data)
}

// TrackScreen records a navigation to a screen. Path defaults to "/"+name.
func (c *Client) TrackScreen(name, path string) {
	if !c.ready() {
		return
	}
	c.screens.TrackScreen(c.ctx, name, path)
}

// Identify associates traits with the visitor. The collector may respond
// with a merged visitor id, which replaces the local one.
func (c *Client) Identify(traits map[string]any) {
	if !c.ready() {
		return
	}
	payload := identifyPayload{
		VisitorID: c.identity.VisitorID(),
		SessionID: c.identity.SessionID(c.ctx, c.cfg.SessionTimeout),
		Traits:    traits,
		Timestamp: c.now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("identify marshal failed", "error", err)
		return
	}
	c.dispatcher.SendOrEnqueue(c.ctx, transport.EndpointIdentify, data)
}

// CaptureError reports an application error through the rate-limited,
// deduplicated error pipeline.
func (c *Client) CaptureError(err error) {
	if !c.ready() {
		return
	}
	c.errors.Capture(c.ctx, err, capture.SeverityError)
}

// CaptureMessage reports a string as an error-like event with the given
// severity.
func (c *Client) CaptureMessage(message string, severity Severity) {
	if !c.ready() {
		return
	}
	c.errors.CaptureMessage(c.ctx, message, severity)
}

// Recover captures an in-flight panic and swallows it. Use deferred:
//
//	defer client.Recover()
//
// Unlike the other tracking calls this is not gated on readiness: the
// panic must be swallowed either way, so the pipeline itself drops the
// payload when the identity is not yet initialized.
func (c *Client) Recover() {
	c.errors.Recover(c.ctx)
}

// Flush forces one delivery attempt for the queued backlog.
func (c *Client) Flush() {
	c.dispatcher.Flush(c.ctx)
}

// OnForeground handles the host's foreground transition: the session is
// touched so it does not rotate mid-use, and the backlog is flushed.
func (c *Client) OnForeground() {
	if !c.ready() {
		return
	}
	c.identity.Touch(c.ctx, c.cfg.SessionTimeout)
	c.dispatcher.Flush(c.ctx)
}

// OnBackground handles the host's background transition: the current
// screen's duration is emitted and the queue is written through, so
// nothing is lost if the process is killed while backgrounded.
func (c *Client) OnBackground() {
	if !c.ready() {
		return
	}
	c.screens.FlushDuration(c.ctx)
	c.queue.Persist(c.ctx)
}

// Close releases the client: the flush loop stops, pending screen timers
// are cancelled, the error hook is restored, and durable storage closes.
// Safe to call more than once.
func (c *Client) Close() {
	c.cancel()
	c.flusher.Stop()
	c.screens.Close()
	c.errors.Uninstall()
	if c.sqlite != nil {
		if err := c.sqlite.Close(); err != nil {
			c.log.Warn("storage close failed", "error", err)
		}
		c.sqlite = nil
	}
}

// ready gates tracking calls on completed initialization.
func (c *Client) ready() bool {
	if !c.identity.Ready() {
		c.log.Debug("client not ready, dropping call")
		return false
	}
	return true
}

// onVisitorMerge applies a server-issued visitor merge from the identify
// endpoint. Same-id responses are ignored.
func (c *Client) onVisitorMerge(visitorID string) {
	if visitorID == c.identity.VisitorID() {
		return
	}
	c.log.Debug("applying server visitor merge", "visitor_id", visitorID)
	c.identity.OverrideVisitorID(visitorID)
}
