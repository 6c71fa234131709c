// Package storage provides the durable key-value persistence layer for the
// telemetry client.
//
// The entire durable contract between the SDK and its storage is four logical
// keys: the visitor id, the session id, the session last-activity timestamp,
// and the offline delivery queue (a JSON array). Any store that offers
// get/set/multi-get/multi-set with best-effort durability can serve.
//
// Two implementations are provided:
//   - SQLite: the default durable store (single kv table, WAL mode)
//   - Memory: volatile store for tests and explicit in-memory operation
//
// Single-writer assumption: no other process or goroutine mutates the same
// persisted state concurrently. Callers serialize their own access.
package storage
