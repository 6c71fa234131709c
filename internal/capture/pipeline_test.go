package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon-go/internal/testutil"
	"github.com/beaconhq/beacon-go/internal/transport"
)

// fixedIdentity supplies constant identifiers for payload assertions.
type fixedIdentity struct {
	visitor string
	session string
}

func (f fixedIdentity) VisitorID() string                  { return f.visitor }
func (f fixedIdentity) SessionID(context.Context) string   { return f.session }

// recordingDispatcher captures SendOrEnqueue calls without any transport.
type recordingDispatcher struct {
	mu    sync.Mutex
	sends []testutil.Send
}

func (r *recordingDispatcher) SendOrEnqueue(ctx context.Context, endpoint string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, testutil.Send{Endpoint: endpoint, Payload: payload})
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func newTestPipeline(t *testing.T, opts ...PipelineOption) (*Pipeline, *recordingDispatcher, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dispatcher := &recordingDispatcher{}
	identity := fixedIdentity{visitor: "v-1", session: "s-1"}
	all := append([]PipelineOption{WithClock(clock.Now)}, opts...)
	p := NewPipeline(identity, dispatcher, all...)
	return p, dispatcher, clock
}

func TestCapture_SendsToErrorsEndpoint(t *testing.T) {
	p, dispatcher, _ := newTestPipeline(t)

	p.Capture(context.Background(), errors.New("boom"), SeverityError)

	require.Equal(t, 1, dispatcher.count())
	send := dispatcher.sends[0]
	assert.Equal(t, transport.EndpointErrors, send.Endpoint)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(send.Payload, &payload))
	assert.Equal(t, "v-1", payload.VisitorID)
	assert.Equal(t, "s-1", payload.SessionID)
	assert.Equal(t, "error", payload.Type)
	assert.Equal(t, "boom", payload.Message)
	assert.Equal(t, SeverityError, payload.Severity)
	assert.NotEmpty(t, payload.Stack)
}

func TestCapture_NilErrorIgnored(t *testing.T) {
	p, dispatcher, _ := newTestPipeline(t)

	p.Capture(context.Background(), nil, SeverityError)

	assert.Equal(t, 0, dispatcher.count())
}

func TestCapture_DuplicatesSuppressed(t *testing.T) {
	p, dispatcher, clock := newTestPipeline(t)
	ctx := context.Background()

	// Same message and stack: one delivery attempt
	p.CaptureWithStack(ctx, "error", "boom", "main.go:10", SeverityError)
	p.CaptureWithStack(ctx, "error", "boom", "main.go:10", SeverityError)
	assert.Equal(t, 1, dispatcher.count())

	// A third identical error after the dedup window produces a second attempt
	clock.Advance(5*time.Minute + time.Second)
	p.CaptureWithStack(ctx, "error", "boom", "main.go:10", SeverityError)
	assert.Equal(t, 2, dispatcher.count())
}

func TestCapture_DistinctErrorsNotSuppressed(t *testing.T) {
	p, dispatcher, _ := newTestPipeline(t)
	ctx := context.Background()

	p.CaptureWithStack(ctx, "error", "boom", "main.go:10", SeverityError)
	p.CaptureWithStack(ctx, "error", "other boom", "main.go:10", SeverityError)

	assert.Equal(t, 2, dispatcher.count())
}

func TestCapture_RateLimited(t *testing.T) {
	p, dispatcher, clock := newTestPipeline(t)
	ctx := context.Background()

	// Ten distinct errors fill the window; the 11th is dropped
	for i := 0; i < 10; i++ {
		p.CaptureWithStack(ctx, "error", "boom", string(rune('a'+i)), SeverityError)
	}
	assert.Equal(t, 10, dispatcher.count())

	p.CaptureWithStack(ctx, "error", "boom", "eleventh", SeverityError)
	assert.Equal(t, 10, dispatcher.count())

	// The window forgets: after the earlier captures expire, new ones pass
	clock.Advance(61 * time.Second)
	p.CaptureWithStack(ctx, "error", "boom", "twelfth", SeverityError)
	assert.Equal(t, 11, dispatcher.count())
}

func TestCapture_RateLimitCheckedBeforeDedup(t *testing.T) {
	// A rate-limited capture must not poison the dedup set: the same
	// error should still deliver once capacity is available.
	p, dispatcher, clock := newTestPipeline(t, WithRateLimit(1, time.Minute))
	ctx := context.Background()

	p.CaptureWithStack(ctx, "error", "first", "s", SeverityError)
	p.CaptureWithStack(ctx, "error", "second", "s", SeverityError) // rate limited
	assert.Equal(t, 1, dispatcher.count())

	clock.Advance(61 * time.Second)
	p.CaptureWithStack(ctx, "error", "second", "s", SeverityError)
	assert.Equal(t, 2, dispatcher.count())
}

func TestCaptureMessage_SynthesizesError(t *testing.T) {
	p, dispatcher, _ := newTestPipeline(t)

	p.CaptureMessage(context.Background(), "manual report", SeverityWarning)

	require.Equal(t, 1, dispatcher.count())
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(dispatcher.sends[0].Payload, &payload))
	assert.Equal(t, "message", payload.Type)
	assert.Equal(t, "manual report", payload.Message)
	assert.Equal(t, SeverityWarning, payload.Severity)
	assert.NotEmpty(t, payload.Stack, "synthesized errors still carry a stack")
}

func TestRecover_CapturesPanic(t *testing.T) {
	p, dispatcher, _ := newTestPipeline(t)

	func() {
		defer p.Recover(context.Background())
		panic("unexpected state")
	}()

	require.Equal(t, 1, dispatcher.count())
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(dispatcher.sends[0].Payload, &payload))
	assert.Equal(t, "panic", payload.Type)
	assert.Equal(t, "unexpected state", payload.Message)
	assert.Equal(t, SeverityFatal, payload.Severity)
}

// gatedIdentity reports no identity until flipped ready, like the identity
// store before Initialize completes.
type gatedIdentity struct{ ready atomic.Bool }

func (g *gatedIdentity) VisitorID() string {
	if g.ready.Load() {
		return "v-1"
	}
	return ""
}

func (g *gatedIdentity) SessionID(context.Context) string {
	if g.ready.Load() {
		return "s-1"
	}
	return ""
}

func TestCapture_DroppedUntilIdentityReady(t *testing.T) {
	identity := &gatedIdentity{}
	dispatcher := &recordingDispatcher{}
	p := NewPipeline(identity, dispatcher)
	ctx := context.Background()

	// Every entry point drops rather than shipping blank identifiers
	p.Capture(ctx, errors.New("too early"), SeverityError)
	p.CaptureMessage(ctx, "too early", SeverityWarning)
	func() {
		defer p.Recover(ctx) // the panic is still swallowed
		panic("too early")
	}()
	assert.Equal(t, 0, dispatcher.count())

	identity.ready.Store(true)
	p.Capture(ctx, errors.New("ready now"), SeverityError)

	require.Equal(t, 1, dispatcher.count())
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(dispatcher.sends[0].Payload, &payload))
	assert.Equal(t, "v-1", payload.VisitorID)
	assert.Equal(t, "s-1", payload.SessionID)
}

func TestCapture_PreReadyDropsDoNotConsumeRateWindow(t *testing.T) {
	identity := &gatedIdentity{}
	dispatcher := &recordingDispatcher{}
	p := NewPipeline(identity, dispatcher, WithRateLimit(1, time.Minute))
	ctx := context.Background()

	p.CaptureWithStack(ctx, "error", "too early", "main.go:1", SeverityError)
	identity.ready.Store(true)
	p.CaptureWithStack(ctx, "error", "first real", "main.go:2", SeverityError)

	assert.Equal(t, 1, dispatcher.count(),
		"the pre-ready drop must not have used the only rate slot")
}

func TestErrorPayload_Golden(t *testing.T) {
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dispatcher := &recordingDispatcher{}
	p := NewPipeline(
		fixedIdentity{visitor: "v-1", session: "s-1"},
		dispatcher,
		WithClock(clock.Now),
		WithUserAgent("beacon-go/test"),
		WithContext(map[string]any{"app": "demo"}),
	)

	p.CaptureWithStack(context.Background(), "error", "boom", "main.go:10\nnet.go:20", SeverityError)

	require.Equal(t, 1, dispatcher.count())
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "error_payload", dispatcher.sends[0].Payload)
}
