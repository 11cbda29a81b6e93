// Package kvstore wraps an ordered byte-map with atomic batch writes, the
// storage primitive the archival mutator set and wallet store are built
// on. The interface is kept narrow and storage-engine agnostic; Pebble is
// the only implementation wired in, but callers never import it directly.
package kvstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is an ordered byte-map: keys are compared lexicographically, and
// iteration returns entries in that order. Set/Delete are durable the
// moment they return; Batch groups multiple writes into one atomic commit.
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	Iterator(lower, upper []byte) (Iterator, error)
	Close() error
}

// Batch accumulates writes for a single atomic Commit.
type Batch interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Iterator walks a key range in ascending order.
type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// PebbleStore is the production Store, backed by cockroachdb/pebble.
type PebbleStore struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Pebble database at dir.
func Open(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// OpenMem opens an in-memory Pebble instance, used by this package's and
// its dependents' tests so they exercise the real engine without
// touching disk.
func OpenMem() (*PebbleStore, error) {
	db, err := pebble.Open("mem", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open in-memory store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Get returns a copy of the value stored at key, or ErrNotFound.
func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, fmt.Errorf("kvstore: release reader: %w", cerr)
	}
	return out, nil
}

// Set durably writes key -> value.
func (s *PebbleStore) Set(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: set: %w", err)
	}
	return nil
}

// Delete durably removes key.
func (s *PebbleStore) Delete(key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// NewBatch starts a batch of writes that commit atomically.
func (s *PebbleStore) NewBatch() Batch {
	return &pebbleBatch{b: s.db.NewBatch()}
}

// Iterator returns an ascending iterator over [lower, upper). A nil bound
// is unbounded on that side.
func (s *PebbleStore) Iterator(lower, upper []byte) (Iterator, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("kvstore: new iterator: %w", err)
	}
	return &pebbleIterator{it: it}, nil
}

// Close releases the underlying database handle.
func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kvstore: close: %w", err)
	}
	return nil
}

type pebbleBatch struct {
	b *pebble.Batch
}

func (pb *pebbleBatch) Set(key, value []byte) error {
	if err := pb.b.Set(key, value, nil); err != nil {
		return fmt.Errorf("kvstore: batch set: %w", err)
	}
	return nil
}

func (pb *pebbleBatch) Delete(key []byte) error {
	if err := pb.b.Delete(key, nil); err != nil {
		return fmt.Errorf("kvstore: batch delete: %w", err)
	}
	return nil
}

func (pb *pebbleBatch) Commit() error {
	if err := pb.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: commit batch: %w", err)
	}
	return nil
}

type pebbleIterator struct {
	it *pebble.Iterator
}

func (pi *pebbleIterator) First() bool   { return pi.it.First() }
func (pi *pebbleIterator) Next() bool    { return pi.it.Next() }
func (pi *pebbleIterator) Valid() bool   { return pi.it.Valid() }
func (pi *pebbleIterator) Key() []byte   { return pi.it.Key() }
func (pi *pebbleIterator) Value() []byte { return pi.it.Value() }
func (pi *pebbleIterator) Close() error  { return pi.it.Close() }

// EncodeIndexKey builds a key for a (prefix, index) pair whose byte order
// matches numeric order on index, the encoding every MMR-leaf-keyed table
// (aocl, swbf_inactive, chunks) uses.
func EncodeIndexKey(prefix byte, index uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = prefix
	binary.BigEndian.PutUint64(buf[1:], index)
	return buf
}

// DecodeIndexKey is the inverse of EncodeIndexKey; it reports false if key
// does not have the expected shape or prefix.
func DecodeIndexKey(prefix byte, key []byte) (index uint64, ok bool) {
	if len(key) != 9 || key[0] != prefix {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}
