package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nnennaai/nai/pkg/domain"
)

// VectorItem is one embedded chunk held by a vector store.
type VectorItem struct {
	Text      string
	Embedding []float64
	Metadata  map[string]string
}

// VectorStore is the opaque vector store collaborator: put embeddings in,
// query nearest neighbours out. Implementations must be safe for concurrent
// use; ingest and query graphs share one store.
type VectorStore interface {
	Put(ctx context.Context, collection string, items []VectorItem) error
	Query(ctx context.Context, collection string, embedding []float64, k int) ([]domain.ScoredContext, error)
	Count(collection string) int
}

// MemoryVectorStore is an in-memory cosine-similarity VectorStore.
type MemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string][]VectorItem
}

// NewMemoryVectorStore creates an empty store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{collections: make(map[string][]VectorItem)}
}

// Put appends items to a collection.
func (s *MemoryVectorStore) Put(_ context.Context, collection string, items []VectorItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection] = append(s.collections[collection], items...)
	return nil
}

// Query returns the k most similar items by cosine similarity. Vectors are
// stored normalized, so the dot product is the similarity.
func (s *MemoryVectorStore) Query(_ context.Context, collection string, embedding []float64, k int) ([]domain.ScoredContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.collections[collection]
	scored := make([]domain.ScoredContext, 0, len(items))
	for _, item := range items {
		if len(item.Embedding) != len(embedding) {
			return nil, fmt.Errorf("dimension mismatch: stored %d, query %d", len(item.Embedding), len(embedding))
		}
		var dot float64
		for i, v := range embedding {
			dot += v * item.Embedding[i]
		}
		scored = append(scored, domain.ScoredContext{
			Text:     item.Text,
			Score:    dot,
			Metadata: item.Metadata,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Count returns the number of items in a collection.
func (s *MemoryVectorStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}
