package storage

import "errors"

// Sentinel errors for the Memory store's failure injection.
// The SQLite store returns wrapped driver errors instead.
var (
	ErrReadFailed  = errors.New("storage: read failed")
	ErrWriteFailed = errors.New("storage: write failed")
)
