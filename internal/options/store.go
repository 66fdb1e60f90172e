// Package options persists named option records, the host's key-value
// settings table. Records are small maps written whole.
package options

import (
	"context"
	"sync"
)

// Store reads and writes option records by name.
type Store interface {
	// Load returns found=false when the record has never been saved.
	Load(ctx context.Context, name string) (value map[string]any, found bool, err error)
	Save(ctx context.Context, name string, value map[string]any) error
}

// MemoryStore keeps records in process memory. Used for tests and for the
// Lambda entrypoint when no durable backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]any
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]map[string]any{}}
}

func (m *MemoryStore) Load(ctx context.Context, name string) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[name]
	if !ok {
		return nil, false, nil
	}
	return copyRecord(v), true, nil
}

func (m *MemoryStore) Save(ctx context.Context, name string, value map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = copyRecord(value)
	return nil
}

func copyRecord(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
