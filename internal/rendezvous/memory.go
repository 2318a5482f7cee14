package rendezvous

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Two drivers sharing one MemoryStore can
// negotiate without any network signaling; the rendezvous server also uses it
// as its default backing store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]string)}
}

func (s *MemoryStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	value, ok := s.records[key]
	s.mu.RUnlock()
	return value, ok, nil
}

// Delete removes key, as an external store owner would.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
}

// Clear drops every record.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.records = make(map[string]string)
	s.mu.Unlock()
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
