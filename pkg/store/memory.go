package store

import (
	"sync"

	"github.com/fortiblox/handheld/internal/types"
)

// MemoryStore is an in-memory Store. Records are kept encoded so that callers
// never share a *Record with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.Hash][]byte
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.Hash][]byte)}
}

// Get retrieves the record for hash.
func (m *MemoryStore) Get(hash types.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	data, ok := m.records[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return DecodeRecord(data)
}

// Put stores rec, replacing any record with the same hash.
func (m *MemoryStore) Put(rec *Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[rec.Hash] = data
	return nil
}

// Has reports whether a record exists for hash.
func (m *MemoryStore) Has(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[hash]
	return ok && !m.closed
}

// Delete removes the record for hash. Deleting a missing record is not an error.
func (m *MemoryStore) Delete(hash types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, hash)
	return nil
}

// Count returns the number of stored records.
func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.records), nil
}

// Close drops all records. Later calls fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}
