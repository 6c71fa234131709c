package storage

import "context"

// Well-known keys making up the durable contract.
const (
	KeyVisitorID           = "visitor_id"
	KeySessionID           = "session_id"
	KeySessionLastActivity = "session_last_activity"
	KeyOfflineQueue        = "offline_queue"
)

// KV is the persistence primitive the SDK is built on.
//
// All methods are best-effort: implementations return errors, but callers in
// this SDK swallow them and degrade to in-memory operation for that call.
// Get reports found=false for a missing key without an error.
type KV interface {
	// Get returns the value for key, or found=false if the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores the value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// GetMulti returns the values for the given keys. Absent keys are
	// simply missing from the result map.
	GetMulti(ctx context.Context, keys ...string) (map[string]string, error)

	// SetMulti stores all pairs. Implementations apply the pairs
	// atomically where the backing store allows it.
	SetMulti(ctx context.Context, pairs map[string]string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
