package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Flusher drives periodic delivery-queue flushes.
//
// One flush runs immediately on start to drain events that survived a prior
// process lifetime, then one per interval. Stop cancels the loop; an
// in-flight flush runs to completion (no mid-flight cancellation of a
// network call).
type Flusher struct {
	dispatcher *Dispatcher
	interval   time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFlusher creates a stopped flusher. Call Start to begin flushing.
func NewFlusher(d *Dispatcher, interval time.Duration, log *slog.Logger) *Flusher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Flusher{dispatcher: d, interval: interval, log: log}
}

// Start launches the flush loop. Starting an already-started flusher is a
// no-op.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	go f.run(loopCtx, f.done)
}

// Stop cancels the flush loop and waits for it to exit.
// Stopping a stopped flusher is a no-op.
func (f *Flusher) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *Flusher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Startup flush: drain events surviving a prior process lifetime
	f.dispatcher.Flush(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.log.Debug("flush loop stopped")
			return
		case <-ticker.C:
			f.dispatcher.Flush(ctx)
		}
	}
}
