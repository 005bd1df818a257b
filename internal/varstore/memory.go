package varstore

import (
	"context"
	"sync"
)

// MemoryStore keeps variables in process memory. Useful for development and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vars: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
	return nil
}

// Unset implements Store.
func (s *MemoryStore) Unset(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, name)
	return nil
}

// Len returns the number of variables currently set.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}
