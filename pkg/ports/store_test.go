package ports_test

import (
	"context"
	"sync"
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// MockStore is an in-memory implementation of RunStore for testing purposes.
type MockStore struct {
	mu   sync.Mutex
	data map[string]*domain.ExecutionRecord
}

func NewMockStore() *MockStore {
	return &MockStore{
		data: make(map[string]*domain.ExecutionRecord),
	}
}

func (m *MockStore) Save(_ context.Context, runID string, rec *domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[runID] = rec.Clone()
	return nil
}

func (m *MockStore) Load(_ context.Context, runID string) (*domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return rec.Clone(), nil
}

func (m *MockStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, runID)
	return nil
}

func (m *MockStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestRunStore_Contract(t *testing.T) {
	ports.RunStoreContract(t, NewMockStore())
}

func TestNopRecorder(t *testing.T) {
	var r ports.Recorder = ports.NopRecorder{}
	r.StartRun("r", "w")
	if id := r.StartNode("r", "n"); id != "" {
		t.Fatalf("expected empty execution id, got %q", id)
	}
	r.CompleteNode("r", "", nil)
	r.CompleteRun("r", domain.StatusCompleted, nil)
}
