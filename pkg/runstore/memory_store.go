package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nnennaai/nai/pkg/domain"
)

// MemoryStore is an in-memory implementation of Store, used when run
// persistence is disabled and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.RunRecord
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*domain.RunRecord)}
}

// Append stores the record in memory.
func (s *MemoryStore) Append(_ context.Context, record *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.RunID] = record
	return nil
}

// Get retrieves a record by run id.
func (s *MemoryStore) Get(_ context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

// List returns summaries of records started within [from, to), newest first.
func (s *MemoryStore) List(_ context.Context, from, to time.Time) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.records))
	for _, record := range s.records {
		if !inRange(record.StartedAt, from, to) {
			continue
		}
		out = append(out, summarize(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
