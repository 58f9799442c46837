// Package store provides the ordered key-value storage abstraction that
// every indexed record sits on top of: point get, prefix scan with
// snapshot isolation, atomic batch write, and a durability flush.
package store

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the storage abstraction consumed by the codec-keyed packages.
// Implementations must give Scan snapshot isolation: a long-running scan
// must not observe writes committed after the scan began.
type Store interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// Scan returns an Iterator over all keys with the given prefix, in
	// ascending key order starting at the first key strictly greater than
	// startAfter (or at the prefix itself, if startAfter is nil).
	Scan(prefix, startAfter []byte) (Iterator, error)
	// Write applies a Batch atomically: either every operation in it is
	// visible to subsequent readers, or none are.
	Write(b *Batch) error
	// Flush forces buffered writes to durable storage.
	Flush() error
	Close() error
}

// Iterator walks a key range opened by Store.Scan. Callers must call
// Close when done, even after Next returns false.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() ([]byte, error)
	Close() error
}

// Batch collects a set of puts and deletes to apply atomically via
// Store.Write. Not safe for concurrent use.
type Batch struct {
	ops []op
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stages a key/value write.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{kind: opPut, key: key, value: value})
}

// Delete stages a key deletion.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: key})
}

// Len returns the number of staged operations.
func (b *Batch) Len() int {
	return len(b.ops)
}
