package store

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store, used by package tests that don't
// need real durability. Keys live in a plain map; Scan sorts the matching
// keys on every call so it returns correctly ordered results.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemoryStore) Write(b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range b.ops {
		switch o.kind {
		case opPut:
			v := make([]byte, len(o.value))
			copy(v, o.value)
			m.data[string(o.key)] = v
		case opDelete:
			delete(m.data, string(o.key))
		}
	}
	return nil
}

func (m *MemoryStore) Flush() error { return nil }
func (m *MemoryStore) Close() error { return nil }

// Scan returns a snapshot iterator: it copies the matching key set under
// lock, so later writes never affect an in-flight scan.
func (m *MemoryStore) Scan(prefix, startAfter []byte) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if len(startAfter) > 0 {
		after := string(startAfter)
		start = sort.Search(len(keys), func(i int) bool {
			return keys[i] > after
		})
	}
	keys = keys[start:]

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m.data[k]...)
	}

	return &memIterator{keys: keys, values: values, idx: -1}, nil
}

type memIterator struct {
	keys   []string
	values [][]byte
	idx    int
}

func (it *memIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}

func (it *memIterator) Key() []byte {
	return []byte(it.keys[it.idx])
}

func (it *memIterator) Value() ([]byte, error) {
	return it.values[it.idx], nil
}

func (it *memIterator) Close() error { return nil }
