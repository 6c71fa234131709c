package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaconhq/beacon-go/internal/queue"
	"github.com/beaconhq/beacon-go/internal/storage"
	"github.com/beaconhq/beacon-go/internal/testutil"
)

func TestSendOrEnqueue_SuccessBypassesQueue(t *testing.T) {
	q := queue.New(storage.NewMemory())
	sender := testutil.NewScriptedSender(true)
	d := NewDispatcher(sender, q, nil)

	d.SendOrEnqueue(context.Background(), EndpointEvent, json.RawMessage(`{"name":"a"}`))

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, sender.Count())
}

func TestSendOrEnqueue_FailureQueues(t *testing.T) {
	q := queue.New(storage.NewMemory())
	sender := testutil.NewScriptedSender(false)
	d := NewDispatcher(sender, q, nil)

	d.SendOrEnqueue(context.Background(), EndpointEvent, json.RawMessage(`{"name":"a"}`))

	events := q.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EndpointEvent, events[0].Endpoint)
	assert.Equal(t, json.RawMessage(`{"name":"a"}`), events[0].Payload)
	assert.Equal(t, 0, events[0].RetryCount)
}

func TestFlush_DrainsQueue(t *testing.T) {
	q := queue.New(storage.NewMemory())
	failing := testutil.NewScriptedSender(false, false)
	d := NewDispatcher(failing, q, nil)
	ctx := context.Background()

	d.SendOrEnqueue(ctx, EndpointEvent, json.RawMessage(`{"name":"a"}`))
	d.SendOrEnqueue(ctx, EndpointScreen, json.RawMessage(`{"name":"b"}`))
	require.Equal(t, 2, q.Len())

	// Script exhausted: the flush succeeds for both
	result := d.Flush(ctx)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 0, q.Len())
}

func TestFlusher_StartupAndPeriodicFlush(t *testing.T) {
	kv := storage.NewMemory()
	ctx := context.Background()

	// Seed a queue from a "previous process lifetime"
	seed := queue.New(kv)
	seed.Enqueue(ctx, seed.NewEvent(EndpointEvent, json.RawMessage(`{"name":"survivor"}`)))

	q := queue.New(kv)
	q.Load(ctx)
	sender := testutil.NewScriptedSender()
	d := NewDispatcher(sender, q, nil)

	f := NewFlusher(d, 10*time.Millisecond, nil)
	f.Start(ctx)
	defer f.Stop()

	// The startup flush drains the survivor without waiting an interval
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)

	// Periodic flushes pick up later arrivals
	q.Enqueue(ctx, q.NewEvent(EndpointEvent, json.RawMessage(`{"name":"later"}`)))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}

func TestFlusher_StopIsIdempotent(t *testing.T) {
	q := queue.New(storage.NewMemory())
	d := NewDispatcher(testutil.NewScriptedSender(), q, nil)
	f := NewFlusher(d, time.Hour, nil)

	f.Start(context.Background())
	f.Stop()
	f.Stop() // second stop must not panic or block

	// Restart works after a stop
	f.Start(context.Background())
	f.Stop()
}

func TestFlusher_StartIsIdempotent(t *testing.T) {
	q := queue.New(storage.NewMemory())
	d := NewDispatcher(testutil.NewScriptedSender(), q, nil)
	f := NewFlusher(d, time.Hour, nil)

	ctx := context.Background()
	f.Start(ctx)
	f.Start(ctx) // no second loop
	f.Stop()
}
