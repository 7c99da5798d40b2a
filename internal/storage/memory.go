package storage

import (
	"context"
	"slices"
	"sync"
)

// Ensure MemoryStorage implements Store
var _ Store = (*MemoryStorage)(nil)

// MemoryStorage is a process-local Store. State is lost on restart, which
// only strands logins that are in flight.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	writes  int
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		buckets: make(map[string]map[string][]byte),
	}
}

func (s *MemoryStorage) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(value), nil
}

func (s *MemoryStorage) Put(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = slices.Clone(value)
	s.writes++
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		return nil
	}
	delete(b, key)
	if len(b) == 0 {
		delete(s.buckets, bucket)
	}
	return nil
}

// Writes returns how many Put calls the store has served.
func (s *MemoryStorage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *MemoryStorage) Close() error {
	return nil
}
