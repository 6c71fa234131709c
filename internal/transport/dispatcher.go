package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/beaconhq/beacon-go/internal/queue"
)

// Dispatcher routes outbound payloads: immediate send first, durable queue
// on failure.
//
// This is the only path by which new items enter the delivery queue.
// Retries of already-queued items go through Queue.FlushBatch directly.
type Dispatcher struct {
	sender queue.Sender
	queue  *queue.Queue
	log    *slog.Logger
}

// NewDispatcher wires a sender to the delivery queue.
func NewDispatcher(sender queue.Sender, q *queue.Queue, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{sender: sender, queue: q, log: log}
}

// SendOrEnqueue attempts an immediate send; on failure the payload is
// persisted to the delivery queue for a later flush. Fire-and-forget:
// the caller learns nothing about the outcome.
func (d *Dispatcher) SendOrEnqueue(ctx context.Context, endpoint string, payload json.RawMessage) {
	if d.sender.AttemptSend(ctx, endpoint, payload) {
		return
	}
	d.log.Debug("immediate send failed, queueing", "endpoint", endpoint)
	d.queue.Enqueue(ctx, d.queue.NewEvent(endpoint, payload))
}

// Flush drains up to one batch from the delivery queue.
func (d *Dispatcher) Flush(ctx context.Context) queue.FlushResult {
	return d.queue.FlushBatch(ctx, d.sender, queue.DefaultMaxBatch)
}
