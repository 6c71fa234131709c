package storage

import (
	"context"
	"sync"
)

// Memory is a volatile KV store.
//
// Used in tests and when the SDK runs in explicit in-memory mode (no
// durability across process restarts). Safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	data map[string]string

	// FailWrites makes Set/SetMulti/Delete return ErrWriteFailed.
	// Used in tests to exercise the swallow-and-degrade paths.
	FailWrites bool

	// FailReads makes Get/GetMulti return ErrReadFailed.
	FailReads bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get returns the value for key, or found=false if absent.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return "", false, ErrReadFailed
	}
	value, found := m.data[key]
	return value, found, nil
}

// Set stores value under key.
func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return ErrWriteFailed
	}
	m.data[key] = value
	return nil
}

// GetMulti returns the values for the given keys.
func (m *Memory) GetMulti(ctx context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads {
		return nil, ErrReadFailed
	}
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, found := m.data[key]; found {
			result[key] = value
		}
	}
	return result, nil
}

// SetMulti stores all pairs.
func (m *Memory) SetMulti(ctx context.Context, pairs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return ErrWriteFailed
	}
	for key, value := range pairs {
		m.data[key] = value
	}
	return nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return ErrWriteFailed
	}
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys. Used for testing.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
