package modules

import (
	"context"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

// StoreWriter is the terminal stage of the ingest graph: it writes embedded
// chunks into the vector store and reports how many units were indexed.
type StoreWriter struct {
	module.Base
	store      VectorStore
	collection string
}

// NewStoreWriter constructs a store writer bound to a shared vector store.
func NewStoreWriter(store VectorStore, cfg map[string]any) (module.Adapter, error) {
	return &StoreWriter{
		store:      store,
		collection: stringOption(cfg, "collection", "nai_docs"),
	}, nil
}

// Info implements module.Adapter.
func (w *StoreWriter) Info() module.Info {
	return module.Info{
		Name:       "memory-writer",
		Version:    "1.0.0",
		Capability: module.CapCustom,
		Implements: module.Contract(module.CapCustom),
	}
}

// Invoke writes payload["chunks"] with payload["embeddings"] into the store.
func (w *StoreWriter) Invoke(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	chunks, _ := payload["chunks"].([]any)
	embeddings, _ := payload["embeddings"].([]any)
	if len(chunks) == 0 || len(chunks) != len(embeddings) {
		return nil, domain.Failf(domain.KindValidation,
			"chunks and embeddings disagree: %d chunks, %d embeddings", len(chunks), len(embeddings))
	}

	meta := metadataOption(payload["metadata"])
	items := make([]VectorItem, len(chunks))
	for i := range chunks {
		text, ok := chunks[i].(string)
		if !ok {
			return nil, domain.Failf(domain.KindValidation, "chunk %d is not a string", i)
		}
		vec, err := toFloats(embeddings[i])
		if err != nil {
			return nil, domain.Failf(domain.KindValidation, "embedding %d: %v", i, err)
		}
		items[i] = VectorItem{Text: text, Embedding: vec, Metadata: meta}
	}

	if err := w.store.Put(ctx, w.collection, items); err != nil {
		return nil, err
	}
	return domain.Payload{"indexed": float64(len(items))}, nil
}

// Retriever queries the vector store with the query embedding and returns
// the top-k contexts.
type Retriever struct {
	module.Base
	store      VectorStore
	collection string
	topK       int
}

// NewRetriever constructs a retriever bound to a shared vector store.
func NewRetriever(store VectorStore, cfg map[string]any) (module.Adapter, error) {
	return &Retriever{
		store:      store,
		collection: stringOption(cfg, "collection", "nai_docs"),
		topK:       intOption(cfg, "top_k", 5),
	}, nil
}

// Info implements module.Adapter.
func (r *Retriever) Info() module.Info {
	return module.Info{
		Name:       "memory",
		Version:    "1.0.0",
		Capability: module.CapRetriever,
		Implements: module.Contract(module.CapRetriever),
	}
}

// Invoke retrieves contexts for payload["embedding"], carrying the query
// through for the generator.
func (r *Retriever) Invoke(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	vec, err := toFloats(payload["embedding"])
	if err != nil {
		return nil, domain.Failf(domain.KindValidation, "query embedding: %v", err)
	}

	contexts, err := r.store.Query(ctx, r.collection, vec, r.topK)
	if err != nil {
		return nil, err
	}

	out := make([]any, len(contexts))
	for i, c := range contexts {
		entry := domain.Payload{"text": c.Text, "score": c.Score}
		if len(c.Metadata) > 0 {
			meta := make(map[string]any, len(c.Metadata))
			for k, v := range c.Metadata {
				meta[k] = v
			}
			entry["metadata"] = meta
		}
		out[i] = entry
	}
	return domain.Payload{
		"query":    payload.String("query"),
		"contexts": out,
	}, nil
}

func toFloats(raw any) ([]float64, error) {
	switch v := raw.(type) {
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, len(v))
		for i, elem := range v {
			f, ok := elem.(float64)
			if !ok {
				return nil, domain.Failf(domain.KindValidation, "element %d is not a number", i)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, domain.Failf(domain.KindValidation, "value is not a vector")
	}
}

func metadataOption(raw any) map[string]string {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
