package modules

import (
	"context"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

// Chunker splits document text into overlapping chunks sized for embedding.
type Chunker struct {
	module.Base
	size    int
	overlap int
}

// NewChunker constructs a chunker from stage configuration.
func NewChunker(cfg map[string]any) (module.Adapter, error) {
	size := intOption(cfg, "chunk_size", 400)
	overlap := intOption(cfg, "chunk_overlap", 50)
	if overlap >= size {
		return nil, domain.Failf(domain.KindValidation, "chunk_overlap %d must be smaller than chunk_size %d", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Info implements module.Adapter.
func (c *Chunker) Info() module.Info {
	return module.Info{
		Name:       "chunker",
		Version:    "1.0.0",
		Capability: module.CapCustom,
		Implements: module.Contract(module.CapCustom),
	}
}

// Invoke splits payload["text"] into chunks.
func (c *Chunker) Invoke(_ context.Context, payload domain.Payload) (domain.Payload, error) {
	text := payload.String("text")
	if text == "" {
		return nil, domain.Failf(domain.KindValidation, "document has no text")
	}

	chunks := chunkText(text, c.size, c.overlap)
	out := make([]any, len(chunks))
	for i, chunk := range chunks {
		out[i] = chunk
	}

	result := domain.Payload{"chunks": out}
	if docID := payload.String("doc_id"); docID != "" {
		result["doc_id"] = docID
	}
	if meta, ok := payload["metadata"]; ok {
		result["metadata"] = meta
	}
	return result, nil
}

func chunkText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func intOption(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}

func stringOption(cfg map[string]any, key, fallback string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func floatOption(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}
