package testutil

import (
	"context"
	"encoding/json"
	"sync"
)

// Send records one delivery attempt observed by a ScriptedSender.
type Send struct {
	Endpoint string
	Payload  json.RawMessage
}

// ScriptedSender is a delivery sender whose outcomes are predetermined.
//
// Each attempt consumes the next scripted outcome; once the script is
// exhausted, every further attempt succeeds. All attempts are recorded in
// order so tests can assert on exactly what was sent where.
//
// Thread-safety: safe for concurrent use; FlushBatch issues attempts from
// multiple goroutines.
type ScriptedSender struct {
	mu       sync.Mutex
	outcomes []bool
	idx      int
	sends    []Send

	// FailEndpoints forces failure for specific endpoints regardless of
	// the script. Useful for mixed-outcome batch tests.
	FailEndpoints map[string]bool
}

// NewScriptedSender creates a sender that returns the given outcomes in order.
//
// Example:
//
//	s := NewScriptedSender(false, true)
//	s.AttemptSend(ctx, "/api/track/event", p) // false
//	s.AttemptSend(ctx, "/api/track/event", p) // true
//	s.AttemptSend(ctx, "/api/track/event", p) // true (script exhausted)
func NewScriptedSender(outcomes ...bool) *ScriptedSender {
	return &ScriptedSender{outcomes: outcomes}
}

// AttemptSend records the attempt and returns the next scripted outcome.
func (s *ScriptedSender) AttemptSend(ctx context.Context, endpoint string, payload json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sends = append(s.sends, Send{Endpoint: endpoint, Payload: payload})

	if s.FailEndpoints != nil && s.FailEndpoints[endpoint] {
		return false
	}
	if s.idx < len(s.outcomes) {
		outcome := s.outcomes[s.idx]
		s.idx++
		return outcome
	}
	return true
}

// Sends returns a copy of all recorded attempts in order.
func (s *ScriptedSender) Sends() []Send {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Send, len(s.sends))
	copy(out, s.sends)
	return out
}

// SendsTo returns the recorded attempts for one endpoint.
func (s *ScriptedSender) SendsTo(endpoint string) []Send {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Send
	for _, send := range s.sends {
		if send.Endpoint == endpoint {
			out = append(out, send)
		}
	}
	return out
}

// Count returns the total number of attempts observed.
func (s *ScriptedSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

// Reset clears recorded attempts and rewinds the script.
func (s *ScriptedSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = nil
	s.idx = 0
}
