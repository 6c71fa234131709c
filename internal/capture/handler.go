package capture

import (
	"context"
	"sync"
)

// Handler observes an uncaught error: a message and the stack at the point
// of failure. Handlers must not panic.
type Handler func(message, stack string)

// HandlerSlot is the process-wide uncaught-error hook, modeled as an
// explicit registered-handler chain instead of ambient global state.
//
// Whoever installs into the slot receives the previously installed handler
// back and is responsible for delegating to it, so stacked observers keep
// working. The host application routes its uncaught failures (recovered
// panics, framework error hooks) into Dispatch.
//
// Thread-safety: safe for concurrent use via internal mutex.
type HandlerSlot struct {
	mu      sync.Mutex
	current Handler
}

// NewHandlerSlot creates an empty slot.
func NewHandlerSlot() *HandlerSlot {
	return &HandlerSlot{}
}

// Swap installs h and returns the handler it displaced (which may be nil).
func (s *HandlerSlot) Swap(h Handler) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = h
	return prev
}

// Replace installs the handler built by fn from the one currently
// installed, atomically with respect to Dispatch: fn's result is published
// in the same critical section that observed prev, so a handler that wraps
// prev can never be dispatched before it knows what prev is.
func (s *HandlerSlot) Replace(fn func(prev Handler) Handler) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = fn(prev)
	return prev
}

// Dispatch routes an uncaught error to the installed handler, if any.
func (s *HandlerSlot) Dispatch(message, stack string) {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h != nil {
		h(message, stack)
	}
}

// Install subscribes the pipeline to the slot. Idempotent: a second Install
// without an intervening Uninstall is a no-op.
//
// The displaced handler is retained and chained through on every captured
// error, so observers installed before this pipeline are not broken.
func (p *Pipeline) Install(slot *HandlerSlot) {
	p.instMu.Lock()
	defer p.instMu.Unlock()
	if p.installed {
		return
	}
	p.slot = slot
	// The closure closes over the displaced handler as a local fixed inside
	// Replace's critical section, never over mutable pipeline state: a
	// Dispatch racing Install or Uninstall sees a fully-formed chain.
	p.prev = slot.Replace(func(prev Handler) Handler {
		return func(message, stack string) {
			p.CaptureWithStack(context.Background(), "uncaught", message, stack, SeverityFatal)
			if prev != nil {
				prev(message, stack)
			}
		}
	})
	p.installed = true
}

// Uninstall restores the handler the pipeline displaced. Idempotent.
func (p *Pipeline) Uninstall() {
	p.instMu.Lock()
	defer p.instMu.Unlock()
	if !p.installed {
		return
	}
	p.slot.Swap(p.prev)
	p.slot = nil
	p.prev = nil
	p.installed = false
}

// Installed reports whether the pipeline currently occupies a slot.
func (p *Pipeline) Installed() bool {
	p.instMu.Lock()
	defer p.instMu.Unlock()
	return p.installed
}
