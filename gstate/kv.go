package gstate

import "errors"

// Reader is read access to a key/value view.
type Reader interface {
	// Get returns the value at key and whether it was present.
	Get(key []byte) ([]byte, bool, error)

	// Iterate calls fn for every key with the given prefix, in ascending key order,
	// until fn returns false.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error
}

// ReadWriter is read and write access to a key/value view.
type ReadWriter interface {
	Reader

	Set(key, value []byte) error
	Delete(key []byte) error
}

// Write is a single entry of a [KV.Apply] batch.
type Write struct {
	Key, Value []byte

	// When set, Value is ignored and Key is removed.
	Delete bool
}

// KV is the storage engine backing a [VersionedState].
//
// Implementations must be safe for concurrent use
// and must apply each batch atomically.
type KV interface {
	Reader

	Apply(batch []Write) error

	Close() error
}

// ErrClosed is returned from a [KV] that has been closed.
// It is never retried by [WithRetry].
var ErrClosed = errors.New("kv closed")
