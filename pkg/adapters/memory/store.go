package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// Store implements ports.RunStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.ExecutionRecord
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.ExecutionRecord),
	}
}

// Save keeps a deep copy of the record, similar to serialization.
func (s *Store) Save(ctx context.Context, runID string, rec *domain.ExecutionRecord) error {
	copied := rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[runID] = copied
	return nil
}

// Load returns a copy so the caller can't mutate the store through the pointer.
func (s *Store) Load(ctx context.Context, runID string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return rec.Clone(), nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}

// List returns stored run IDs, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.data))
	for id := range s.data {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}
