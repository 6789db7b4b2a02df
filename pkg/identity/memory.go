package identity

import (
	"context"
	"sync"
)

// MemoryStore keeps the identity for the lifetime of the process.
type MemoryStore struct {
	mu sync.Mutex
	id Identity
}

var _ Store = &MemoryStore{}

func NewMemoryStore(initial Identity) *MemoryStore {
	return &MemoryStore{id: initial}
}

func (s *MemoryStore) Load(context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemoryStore) Save(_ context.Context, update Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, err := Merge(s.id, update)
	s.id = merged
	return err
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = Identity{}
	return nil
}
