package ident

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon-go/internal/storage"
	"github.com/beaconhq/beacon-go/internal/testutil"
)

const testTimeout = 30 * time.Minute

func newTestStore(t *testing.T) (*Store, *storage.Memory, *testutil.Clock) {
	t.Helper()
	kv := storage.NewMemory()
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := New(kv, WithClock(clock.Now))
	return s, kv, clock
}

func TestInitialize_CreatesIdentity(t *testing.T) {
	s, kv, _ := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.Ready())
	s.Initialize(ctx, testTimeout)

	require.True(t, s.Ready())
	_, err := uuid.Parse(s.VisitorID())
	assert.NoError(t, err, "visitor id should be a valid UUID")

	// Both identifiers were persisted
	persisted, err := kv.GetMulti(ctx, storage.KeyVisitorID, storage.KeySessionID, storage.KeySessionLastActivity)
	require.NoError(t, err)
	assert.Equal(t, s.VisitorID(), persisted[storage.KeyVisitorID])
	assert.Equal(t, s.SessionID(ctx, testTimeout), persisted[storage.KeySessionID])
	assert.NotEmpty(t, persisted[storage.KeySessionLastActivity])
}

func TestInitialize_VisitorIDNeverRegenerated(t *testing.T) {
	s, kv, clock := newTestStore(t)
	ctx := context.Background()

	s.Initialize(ctx, testTimeout)
	first := s.VisitorID()

	// A fresh store over the same persistence sees the same visitor
	s2 := New(kv, WithClock(clock.Now))
	s2.Initialize(ctx, testTimeout)
	assert.Equal(t, first, s2.VisitorID())

	// Re-initializing the same store is idempotent for the visitor id
	s.Initialize(ctx, testTimeout)
	assert.Equal(t, first, s.VisitorID())
}

func TestInitialize_CorruptValuesRegenerate(t *testing.T) {
	s, kv, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, storage.KeyVisitorID, "not-a-uuid"))
	require.NoError(t, kv.Set(ctx, storage.KeySessionID, "also-not-a-uuid"))
	require.NoError(t, kv.Set(ctx, storage.KeySessionLastActivity, "garbage"))

	s.Initialize(ctx, testTimeout)

	_, err := uuid.Parse(s.VisitorID())
	assert.NoError(t, err)
	_, err = uuid.Parse(s.SessionID(ctx, testTimeout))
	assert.NoError(t, err)
}

func TestInitialize_ExpiredSessionRotates(t *testing.T) {
	s, kv, clock := newTestStore(t)
	ctx := context.Background()

	s.Initialize(ctx, testTimeout)
	first := s.SessionID(ctx, testTimeout)

	clock.Advance(testTimeout + time.Minute)

	s2 := New(kv, WithClock(clock.Now))
	s2.Initialize(ctx, testTimeout)
	assert.NotEqual(t, first, s2.SessionID(ctx, testTimeout), "expired session should rotate on initialize")
}

func TestInitialize_PersistenceFailureStillReady(t *testing.T) {
	kv := storage.NewMemory()
	kv.FailReads = true
	kv.FailWrites = true
	s := New(kv)

	s.Initialize(context.Background(), testTimeout)

	assert.True(t, s.Ready())
	assert.NotEmpty(t, s.VisitorID())
}

func TestSessionID_RotatesAfterTimeout(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	s.Initialize(ctx, testTimeout)

	first := s.SessionID(ctx, testTimeout)

	// Just inside the timeout: same session, timestamp extended
	clock.Advance(testTimeout - time.Millisecond)
	assert.Equal(t, first, s.SessionID(ctx, testTimeout))

	// The previous call touched the session, so the window restarts.
	// Just past the timeout from that touch: new session.
	clock.Advance(testTimeout + time.Millisecond)
	second := s.SessionID(ctx, testTimeout)
	assert.NotEqual(t, first, second)
}

func TestSessionID_TouchExtendsWindow(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	s.Initialize(ctx, testTimeout)

	first := s.SessionID(ctx, testTimeout)

	// Repeated touches each under the timeout keep the session alive
	// well past a single timeout span.
	for i := 0; i < 4; i++ {
		clock.Advance(testTimeout / 2)
		assert.Equal(t, first, s.SessionID(ctx, testTimeout))
	}
}

func TestSessionID_NotReady(t *testing.T) {
	s, _, _ := newTestStore(t)

	assert.Empty(t, s.SessionID(context.Background(), testTimeout))
}

func TestOverrideVisitorID(t *testing.T) {
	s, kv, _ := newTestStore(t)
	ctx := context.Background()
	s.Initialize(ctx, testTimeout)

	s.OverrideVisitorID("merged-visitor-id")
	assert.Equal(t, "merged-visitor-id", s.VisitorID())

	// The persistence write is asynchronous and best-effort
	require.Eventually(t, func() bool {
		v, found, err := kv.Get(ctx, storage.KeyVisitorID)
		return err == nil && found && v == "merged-visitor-id"
	}, time.Second, 5*time.Millisecond)
}

func TestOverrideVisitorID_EmptyIgnored(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	s.Initialize(ctx, testTimeout)
	original := s.VisitorID()

	s.OverrideVisitorID("")
	assert.Equal(t, original, s.VisitorID())
}

func TestOverrideVisitorID_PersistFailureSwallowed(t *testing.T) {
	s, kv, _ := newTestStore(t)
	ctx := context.Background()
	s.Initialize(ctx, testTimeout)

	kv.FailWrites = true
	s.OverrideVisitorID("merged-visitor-id")

	// In-memory value is authoritative despite the failed write
	assert.Equal(t, "merged-visitor-id", s.VisitorID())
}
