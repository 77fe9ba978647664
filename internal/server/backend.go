package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opsdeck/livesync/internal/record"
)

// ErrRecordNotFound marks a lookup for an id the backend does not hold.
var ErrRecordNotFound = errors.New("record not found")

// Backend persists collection rows. Implementations must be safe for
// concurrent use.
type Backend interface {
	List(collection string) ([]record.Record, error)
	Insert(collection string, rec record.Record) error
	Update(collection, id string, patch record.Record) (record.Record, error)
	Delete(collection, id string) error
	Close() error
}

// MemoryBackend keeps rows in ordered per-collection slices.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[string][]record.Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[string][]record.Record)}
}

var _ Backend = (*MemoryBackend)(nil)

// List returns copies of a collection's rows in insertion order.
func (m *MemoryBackend) List(collection string) ([]record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[collection]
	out := make([]record.Record, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out, nil
}

// Insert appends a row.
func (m *MemoryBackend) Insert(collection string, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rec.ID()
	for _, existing := range m.rows[collection] {
		if existing.ID() == id {
			return fmt.Errorf("duplicate id %q in %s", id, collection)
		}
	}
	m.rows[collection] = append(m.rows[collection], rec.Clone())
	return nil
}

// Update merges a patch onto the row matching id and returns the result.
func (m *MemoryBackend) Update(collection, id string, patch record.Record) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[collection]
	for i, existing := range rows {
		if existing.ID() == id {
			merged := existing.Merge(patch)
			merged[record.IDField] = id
			rows[i] = merged
			return merged.Clone(), nil
		}
	}
	return nil, ErrRecordNotFound
}

// Delete removes the row matching id.
func (m *MemoryBackend) Delete(collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[collection]
	for i, existing := range rows {
		if existing.ID() == id {
			m.rows[collection] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrRecordNotFound
}

// Close releases the backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
	return nil
}
