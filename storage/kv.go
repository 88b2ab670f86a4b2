// Package storage defines the node's key-value persistence abstraction.
// Chain state, the UTXO set, and Lightning channel/watchtower records are
// all ultimately keyed byte ranges; concrete backends live in subpackages.
package storage

import "errors"

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// KV is the minimal ordered key-value store the rest of the node depends
// on. Implementations must support concurrent readers with a single
// writer at a time, matching the locking discipline used throughout the
// node's in-memory state.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// NewIterator returns an iterator over all keys with the given
	// prefix, ordered lexicographically.
	NewIterator(prefix []byte) Iterator

	// Batch applies a set of writes atomically.
	Batch(b *WriteBatch) error

	Close() error
}

// Iterator walks a range of keys in order. Callers must call Release when
// done.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// WriteBatch accumulates puts and deletes to be applied atomically.
type WriteBatch struct {
	Puts    map[string][]byte
	Deletes [][]byte
}

// NewWriteBatch returns an empty batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{Puts: make(map[string][]byte)}
}

// Put stages a key/value write.
func (b *WriteBatch) Put(key, value []byte) {
	b.Puts[string(key)] = value
}

// Delete stages a key removal.
func (b *WriteBatch) Delete(key []byte) {
	b.Deletes = append(b.Deletes, key)
}
