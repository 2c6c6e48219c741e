// Package storage provides key-value database abstractions backing the
// validator's persisted state (confirmed blocks, difficulty history,
// transaction indices, and per-contract state).
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix, in key order.
	// The callback receives a copy of the key and value. Return a non-nil
	// error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch accumulates writes for atomic commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by DBs that support atomic batched writes. The
// overlay's Apply step uses this to commit a whole diff (or none of it)
// so a crash mid-commit can never leave persisted state half-written.
type Batcher interface {
	NewBatch() Batch
}
