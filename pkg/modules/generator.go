package modules

import (
	"context"
	"sort"
	"strings"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

// ExtractiveGenerator answers a query by selecting the retrieved context
// sentences that overlap the query the most. It never calls out of process,
// which makes it a deterministic default for tests and offline runs.
type ExtractiveGenerator struct {
	module.Base
	model        string
	maxSentences int
}

// NewExtractiveGenerator constructs the generator from config options.
func NewExtractiveGenerator(cfg map[string]any) (module.Adapter, error) {
	return &ExtractiveGenerator{
		model:        stringOption(cfg, "model", "extractive-v1"),
		maxSentences: intOption(cfg, "max_sentences", 3),
	}, nil
}

// Info implements module.Adapter.
func (g *ExtractiveGenerator) Info() module.Info {
	return module.Info{
		Name:       "extractive",
		Version:    "1.0.0",
		Capability: module.CapGenerator,
		Implements: module.Contract(module.CapGenerator),
	}
}

// Invoke builds an answer from payload["query"] and payload["contexts"].
func (g *ExtractiveGenerator) Invoke(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	query := strings.TrimSpace(payload.String("query"))
	if query == "" {
		return nil, domain.Failf(domain.KindValidation, "query is empty")
	}
	contexts, _ := payload["contexts"].([]any)
	if len(contexts) == 0 {
		return domain.Payload{
			"query":    query,
			"contexts": contexts,
			"answer":   "No relevant context was found for this question.",
			"model":    g.model,
			"cost":     0.0,
		}, nil
	}

	queryTokens := tokenSet(query)
	type scored struct {
		text  string
		score float64
		order int
	}
	var candidates []scored
	order := 0
	for _, raw := range contexts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, ok := raw.(domain.Payload)
		if !ok {
			if m, okm := raw.(map[string]any); okm {
				entry = domain.Payload(m)
			} else {
				continue
			}
		}
		for _, sentence := range splitSentences(entry.String("text")) {
			candidates = append(candidates, scored{
				text:  sentence,
				score: overlapScore(queryTokens, tokenSet(sentence)),
				order: order,
			})
			order++
		}
	}
	if len(candidates) == 0 {
		return nil, domain.Failf(domain.KindValidation, "contexts contain no text")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	top := candidates
	if len(top) > g.maxSentences {
		top = top[:g.maxSentences]
	}
	// Restore source order so the answer reads like the source, not a ranking.
	sort.SliceStable(top, func(i, j int) bool { return top[i].order < top[j].order })

	parts := make([]string, len(top))
	for i, c := range top {
		parts[i] = c.text
	}
	answer := strings.Join(parts, " ")

	return domain.Payload{
		"query":    query,
		"contexts": contexts,
		"answer":   answer,
		"model":    g.model,
		"cost":     0.0,
	}, nil
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

func overlapScore(query, sentence map[string]struct{}) float64 {
	if len(query) == 0 || len(sentence) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if _, ok := sentence[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
