package modules

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

// HashEmbedder maps text to a fixed-dimension vector with feature hashing.
// Deterministic and dependency-free, which makes pipeline behaviour
// reproducible in tests and offline runs; a network-backed embedder swaps in
// under the same capability.
type HashEmbedder struct {
	module.Base
	model string
	dim   int
}

// NewHashEmbedder constructs an embedder from stage configuration.
func NewHashEmbedder(cfg map[string]any) (module.Adapter, error) {
	dim := intOption(cfg, "dimension", 256)
	return &HashEmbedder{
		model: stringOption(cfg, "model", "hash-256"),
		dim:   dim,
	}, nil
}

// Info implements module.Adapter.
func (e *HashEmbedder) Info() module.Info {
	return module.Info{
		Name:       "hash",
		Version:    "1.0.0",
		Capability: module.CapEmbedder,
		Implements: module.Contract(module.CapEmbedder),
	}
}

// Invoke embeds either payload["chunks"] (ingest path, producing
// "embeddings") or payload["query"] (query path, producing "embedding").
// Other payload fields pass through untouched for downstream stages.
func (e *HashEmbedder) Invoke(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	out := payload.Clone()

	if chunks, ok := payload["chunks"].([]any); ok {
		embeddings := make([]any, len(chunks))
		for i, raw := range chunks {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			text, ok := raw.(string)
			if !ok {
				return nil, domain.Failf(domain.KindValidation, "chunk %d is not a string", i)
			}
			embeddings[i] = e.embed(text)
		}
		out["embeddings"] = embeddings
		return out, nil
	}

	if query := payload.String("query"); query != "" {
		out["embedding"] = e.embed(query)
		return out, nil
	}

	return nil, domain.Failf(domain.KindValidation, "payload has neither chunks nor query to embed")
}

// embed hashes tokens into dim buckets and L2-normalizes the result.
func (e *HashEmbedder) embed(text string) []float64 {
	vec := make([]float64, e.dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dim))
		// Top bit decides sign so hash collisions tend to cancel rather
		// than pile up.
		if sum&0x80000000 != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
