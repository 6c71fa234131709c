// Package ident owns the persistent visitor and session identifiers.
//
// The visitor id is generated once and survives process restarts
// indefinitely; the session id rotates after a period of inactivity. Both
// live in the key-value persistence layer, but the in-memory copy is always
// authoritative: persistence failures degrade that call to memory-only
// operation and are never surfaced to the application.
package ident

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon-go/internal/storage"
)

// persistTimeout bounds the fire-and-forget persistence writes so a hung
// store cannot accumulate goroutines.
const persistTimeout = 5 * time.Second

// Store loads, rotates, and persists the visitor/session identity.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
// The fire-and-forget persistence writes run outside the lock.
type Store struct {
	mu           sync.Mutex
	kv           storage.KV
	log          *slog.Logger
	now          func() time.Time
	visitorID    string
	sessionID    string
	lastActivity time.Time
	ready        bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the debug logging sink.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a Store on top of the given persistence layer.
// Call Initialize before reading identifiers.
func New(kv storage.KV, opts ...Option) *Store {
	s := &Store{
		kv:  kv,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads or creates the visitor identity and session.
//
// Idempotent with respect to the visitor id: once present (persisted or
// in-memory) it is never regenerated. The session may rotate if the
// persisted one has expired. Missing or corrupt persisted values are
// regenerated. Persistence failures are swallowed; the store still becomes
// ready with in-memory identifiers.
func (s *Store) Initialize(ctx context.Context, sessionTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	persisted, err := s.kv.GetMulti(ctx,
		storage.KeyVisitorID,
		storage.KeySessionID,
		storage.KeySessionLastActivity,
	)
	if err != nil {
		s.log.Warn("identity load failed, regenerating in memory", "error", err)
		persisted = nil
	}

	dirty := make(map[string]string)

	if s.visitorID == "" {
		if v, ok := persisted[storage.KeyVisitorID]; ok && validID(v) {
			s.visitorID = v
		} else {
			s.visitorID = uuid.NewString()
			dirty[storage.KeyVisitorID] = s.visitorID
			s.log.Debug("visitor id created", "visitor_id", s.visitorID)
		}
	}

	sessionID, okID := persisted[storage.KeySessionID]
	lastActivity, okActivity := parseMillis(persisted[storage.KeySessionLastActivity])
	expired := !okActivity || now.Sub(lastActivity) > sessionTimeout
	if !okID || !validID(sessionID) || expired {
		sessionID = uuid.NewString()
		s.log.Debug("session rotated", "session_id", sessionID, "expired", expired)
	}
	s.sessionID = sessionID
	s.lastActivity = now
	dirty[storage.KeySessionID] = s.sessionID
	dirty[storage.KeySessionLastActivity] = formatMillis(now)

	if err := s.kv.SetMulti(ctx, dirty); err != nil {
		s.log.Warn("identity persist failed, continuing in memory", "error", err)
	}

	s.ready = true
}

// Ready reports whether Initialize has completed. Tracking calls elsewhere
// no-op while the store is not ready.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// VisitorID returns the persistent visitor identifier.
// Always available after Initialize.
func (s *Store) VisitorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visitorID
}

// OverrideVisitorID replaces the visitor id with a server-issued merge
// result. The in-memory value is authoritative for the remainder of the
// process lifetime; the persistence write is best-effort and asynchronous.
func (s *Store) OverrideVisitorID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.visitorID = id
	kv := s.kv
	log := s.log
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := kv.Set(ctx, storage.KeyVisitorID, id); err != nil {
			log.Debug("visitor override persist failed", "error", err)
		}
	}()
}

// SessionID returns the current session identifier, rotating to a fresh one
// if more than sessionTimeout has elapsed since the last activity.
//
// This call is both a read and a touch: it extends the session's life by
// refreshing the last-activity timestamp on every call.
func (s *Store) SessionID(ctx context.Context, sessionTimeout time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return ""
	}

	now := s.now()
	if now.Sub(s.lastActivity) > sessionTimeout {
		s.sessionID = uuid.NewString()
		s.log.Debug("session rotated", "session_id", s.sessionID)
		s.lastActivity = now
		if err := s.kv.SetMulti(ctx, map[string]string{
			storage.KeySessionID:           s.sessionID,
			storage.KeySessionLastActivity: formatMillis(now),
		}); err != nil {
			s.log.Debug("session persist failed", "error", err)
		}
		return s.sessionID
	}

	s.lastActivity = now
	if err := s.kv.Set(ctx, storage.KeySessionLastActivity, formatMillis(now)); err != nil {
		s.log.Debug("session touch persist failed", "error", err)
	}
	return s.sessionID
}

// Touch refreshes the session's last-activity timestamp without returning
// the id. Used on foreground transitions.
func (s *Store) Touch(ctx context.Context, sessionTimeout time.Duration) {
	s.SessionID(ctx, sessionTimeout)
}

// validID reports whether a persisted identifier is usable.
// Corrupt values (not a UUID) are treated as missing and regenerated.
func validID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
