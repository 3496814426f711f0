package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps the snapshot in process memory. Sessions do not survive a
// restart with this backend.
type MemoryStore struct {
	records []Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: []Record{}}
}

// Save replaces the in-memory snapshot
func (m *MemoryStore) Save(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = cloneRecords(records)
	return nil
}

// Load returns a copy of the in-memory snapshot
func (m *MemoryStore) Load(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return cloneRecords(m.records), nil
}

// Close is a no-op for memory storage
func (m *MemoryStore) Close() error {
	return nil
}
