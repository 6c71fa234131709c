package screen

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon-go/internal/testutil"
	"github.com/beaconhq/beacon-go/internal/transport"
)

type fixedIdentity struct{}

func (fixedIdentity) VisitorID() string                { return "v-1" }
func (fixedIdentity) SessionID(context.Context) string { return "s-1" }

type recordingDispatcher struct {
	mu    sync.Mutex
	sends []testutil.Send
}

func (r *recordingDispatcher) SendOrEnqueue(ctx context.Context, endpoint string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, testutil.Send{Endpoint: endpoint, Payload: payload})
}

func (r *recordingDispatcher) to(endpoint string) []testutil.Send {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []testutil.Send
	for _, s := range r.sends {
		if s.Endpoint == endpoint {
			out = append(out, s)
		}
	}
	return out
}

// Test debounce delays are short real-time waits; the wall clock driving
// durations is fully controlled.
func newTestTracker(t *testing.T) (*Tracker, *recordingDispatcher, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dispatcher := &recordingDispatcher{}
	tr := NewTracker(fixedIdentity{}, dispatcher,
		WithClock(clock.Now),
		WithDebounce(5*time.Millisecond, 10*time.Millisecond),
	)
	t.Cleanup(tr.Close)
	return tr, dispatcher, clock
}

func awaitActive(t *testing.T, tr *Tracker, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, _ := tr.ActiveScreen()
		return n == name
	}, 2*time.Second, time.Millisecond)
}

func TestTrackScreen_ActivatesAfterDebounce(t *testing.T) {
	tr, dispatcher, _ := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Home", "/home")
	awaitActive(t, tr, "Home")

	views := dispatcher.to(transport.EndpointScreen)
	require.Len(t, views, 1)

	var payload ViewPayload
	require.NoError(t, json.Unmarshal(views[0].Payload, &payload))
	assert.Equal(t, "v-1", payload.VisitorID)
	assert.Equal(t, "s-1", payload.SessionID)
	assert.Equal(t, "Home", payload.Name)
	assert.Equal(t, "/home", payload.Path)
	assert.NotEmpty(t, payload.ScreenViewID)
}

func TestTrackScreen_DefaultPath(t *testing.T) {
	tr, dispatcher, _ := newTestTracker(t)

	tr.TrackScreen(context.Background(), "Home", "")
	awaitActive(t, tr, "Home")

	var payload ViewPayload
	require.NoError(t, json.Unmarshal(dispatcher.to(transport.EndpointScreen)[0].Payload, &payload))
	assert.Equal(t, "/Home", payload.Path)
}

func TestTrackScreen_DuplicateWithinDebounce(t *testing.T) {
	// trackScreen("Home") twice within the debounce window: one
	// activation, no duration event (no prior screen existed).
	tr, dispatcher, _ := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Home", "")
	tr.TrackScreen(ctx, "Home", "")
	awaitActive(t, tr, "Home")
	time.Sleep(30 * time.Millisecond) // would catch a stray second activation

	assert.Len(t, dispatcher.to(transport.EndpointScreen), 1)
	assert.Empty(t, dispatcher.to(transport.EndpointScreenDuration))
}

func TestTrackScreen_DuplicateOfActiveIsNoop(t *testing.T) {
	tr, dispatcher, clock := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Home", "")
	awaitActive(t, tr, "Home")

	clock.Advance(10 * time.Second)
	tr.TrackScreen(ctx, "Home", "")
	time.Sleep(30 * time.Millisecond)

	assert.Len(t, dispatcher.to(transport.EndpointScreen), 1)
	assert.Empty(t, dispatcher.to(transport.EndpointScreenDuration),
		"re-tracking the active screen must not emit its duration")
}

func TestTrackScreen_TransitionEmitsDuration(t *testing.T) {
	tr, dispatcher, clock := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Home", "")
	awaitActive(t, tr, "Home")

	clock.Advance(5 * time.Second)
	tr.TrackScreen(ctx, "Settings", "")
	awaitActive(t, tr, "Settings")

	durations := dispatcher.to(transport.EndpointScreenDuration)
	require.Len(t, durations, 1)
	var payload DurationPayload
	require.NoError(t, json.Unmarshal(durations[0].Payload, &payload))
	assert.Equal(t, "Home", payload.Name)
	assert.Equal(t, int64(5), payload.Duration)
}

func TestTrackScreen_SubSecondDurationDropped(t *testing.T) {
	tr, dispatcher, clock := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Home", "")
	awaitActive(t, tr, "Home")

	clock.Advance(500 * time.Millisecond)
	tr.TrackScreen(ctx, "Settings", "")
	awaitActive(t, tr, "Settings")

	assert.Empty(t, dispatcher.to(transport.EndpointScreenDuration))
}

func TestTrackScreen_DurationClampedToOneHour(t *testing.T) {
	tr, dispatcher, clock := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Home", "")
	awaitActive(t, tr, "Home")

	clock.Advance(2 * time.Hour)
	tr.TrackScreen(ctx, "Settings", "")
	awaitActive(t, tr, "Settings")

	var payload DurationPayload
	durations := dispatcher.to(transport.EndpointScreenDuration)
	require.Len(t, durations, 1)
	require.NoError(t, json.Unmarshal(durations[0].Payload, &payload))
	assert.Equal(t, int64(3600), payload.Duration)
}

func TestTrackScreen_RapidChurnActivatesLastOnly(t *testing.T) {
	tr, dispatcher, _ := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Step1", "")
	tr.TrackScreen(ctx, "Step2", "")
	tr.TrackScreen(ctx, "Step3", "")
	awaitActive(t, tr, "Step3")
	time.Sleep(30 * time.Millisecond)

	views := dispatcher.to(transport.EndpointScreen)
	require.Len(t, views, 1, "intermediate transitions should be absorbed")
	var payload ViewPayload
	require.NoError(t, json.Unmarshal(views[0].Payload, &payload))
	assert.Equal(t, "Step3", payload.Name)
}

func TestFlushDuration_EmitsOnce(t *testing.T) {
	tr, dispatcher, clock := newTestTracker(t)
	ctx := context.Background()

	tr.TrackScreen(ctx, "Home", "")
	awaitActive(t, tr, "Home")
	clock.Advance(3 * time.Second)

	tr.FlushDuration(ctx)
	require.Len(t, dispatcher.to(transport.EndpointScreenDuration), 1)

	// A screen can only have its duration sent once: neither a second
	// flush nor the eventual transition resends it.
	tr.FlushDuration(ctx)
	clock.Advance(3 * time.Second)
	tr.TrackScreen(ctx, "Settings", "")
	awaitActive(t, tr, "Settings")

	assert.Len(t, dispatcher.to(transport.EndpointScreenDuration), 1)
}

func TestFlushDuration_NoActiveScreen(t *testing.T) {
	tr, dispatcher, _ := newTestTracker(t)

	tr.FlushDuration(context.Background())

	assert.Empty(t, dispatcher.sends)
}

func TestClose_CancelsPendingActivation(t *testing.T) {
	tr, dispatcher, _ := newTestTracker(t)

	tr.TrackScreen(context.Background(), "Home", "")
	tr.Close()
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, dispatcher.sends)
	name, _ := tr.ActiveScreen()
	assert.Empty(t, name)

	// Tracking after close is ignored
	tr.TrackScreen(context.Background(), "Settings", "")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, dispatcher.sends)
}

func TestTrackScreen_EmptyNameIgnored(t *testing.T) {
	tr, dispatcher, _ := newTestTracker(t)

	tr.TrackScreen(context.Background(), "", "/somewhere")
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, dispatcher.sends)
}
