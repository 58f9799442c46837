package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/klingontech/klingdex/internal/log"
)

// BadgerStore implements Store using Badger.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger-backed store at path.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is noisy; we log via our own component logger.

	db, err := badger.Open(opts)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Cannot acquire directory lock") ||
			strings.Contains(msg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("index at %s is locked by another process (is another klingdexd instance running?): %w", path, err)
		}
		return nil, fmt.Errorf("open index at %s: %w", path, err)
	}
	log.Store.Info().Str("path", path).Msg("opened index store")
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	return val, nil
}

func (s *BadgerStore) Has(key []byte) (bool, error) {
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store has: %w", err)
	}
	return exists, nil
}

// Write applies a Batch atomically via a single Badger transaction.
func (s *BadgerStore) Write(b *Batch) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, o := range b.ops {
			var err error
			switch o.kind {
			case opPut:
				err = txn.Set(o.key, o.value)
			case opDelete:
				err = txn.Delete(o.key)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	return nil
}

func (s *BadgerStore) Flush() error {
	return s.db.Sync()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Scan opens a snapshot-isolated iterator over all keys with the given
// prefix, starting after startAfter (or at the prefix itself, if nil).
func (s *BadgerStore) Scan(prefix, startAfter []byte) (Iterator, error) {
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)

	seek := prefix
	if len(startAfter) > 0 {
		seek = nextKey(startAfter)
	}
	it.Seek(seek)

	return &badgerIterator{txn: txn, it: it, prefix: prefix, started: false}, nil
}

// nextKey returns the lexically smallest byte string greater than key,
// used to resume a scan strictly after a cursor position.
func nextKey(key []byte) []byte {
	next := make([]byte, len(key), len(key)+1)
	copy(next, key)
	return append(next, 0x00)
}

type badgerIterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	prefix  []byte
	started bool
}

func (bi *badgerIterator) Next() bool {
	if bi.started {
		bi.it.Next()
	}
	bi.started = true
	return bi.it.ValidForPrefix(bi.prefix)
}

func (bi *badgerIterator) Key() []byte {
	return bi.it.Item().KeyCopy(nil)
}

func (bi *badgerIterator) Value() ([]byte, error) {
	return bi.it.Item().ValueCopy(nil)
}

func (bi *badgerIterator) Close() error {
	bi.it.Close()
	bi.txn.Discard()
	return nil
}
