package modules

import (
	"context"
	"strings"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

// OverlapEvaluator scores an answer against a ground truth by token F1,
// with a faithfulness score measuring how much of the answer is supported
// by the retrieved contexts.
type OverlapEvaluator struct {
	module.Base
	threshold float64
}

// NewOverlapEvaluator constructs the evaluator from config options.
func NewOverlapEvaluator(cfg map[string]any) (module.Adapter, error) {
	return &OverlapEvaluator{
		threshold: floatOption(cfg, "threshold", 0.7),
	}, nil
}

// Info implements module.Adapter.
func (e *OverlapEvaluator) Info() module.Info {
	return module.Info{
		Name:       "overlap",
		Version:    "1.0.0",
		Capability: module.CapEvaluator,
		Implements: module.Contract(module.CapEvaluator),
	}
}

// Invoke computes metrics for payload["answer"]. Ground truth is optional;
// without it only faithfulness is reported.
func (e *OverlapEvaluator) Invoke(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	answer := strings.TrimSpace(payload.String("answer"))
	if answer == "" {
		return nil, domain.Failf(domain.KindValidation, "answer is empty")
	}

	answerTokens := tokenSet(answer)
	metrics := domain.Payload{}

	if truth := strings.TrimSpace(payload.String("ground_truth")); truth != "" {
		p, r, f1 := tokenF1(answerTokens, tokenSet(truth))
		metrics["precision"] = p
		metrics["recall"] = r
		metrics["f1"] = f1
	}

	if contexts, ok := payload["contexts"].([]any); ok && len(contexts) > 0 {
		metrics["faithfulness"] = faithfulness(answerTokens, contexts)
	}

	passed := true
	for _, v := range metrics {
		if score, ok := v.(float64); ok && score < e.threshold {
			passed = false
			break
		}
	}

	return domain.Payload{
		"query":   payload.String("query"),
		"answer":  answer,
		"metrics": metrics,
		"passed":  passed,
	}, nil
}

// ExactMatchEvaluator scores 1.0 when the normalized answer equals the
// normalized ground truth, 0.0 otherwise.
type ExactMatchEvaluator struct {
	module.Base
}

// NewExactMatchEvaluator constructs the evaluator.
func NewExactMatchEvaluator(cfg map[string]any) (module.Adapter, error) {
	return &ExactMatchEvaluator{}, nil
}

// Info implements module.Adapter.
func (e *ExactMatchEvaluator) Info() module.Info {
	return module.Info{
		Name:       "exact",
		Version:    "1.0.0",
		Capability: module.CapEvaluator,
		Implements: module.Contract(module.CapEvaluator),
	}
}

// Invoke compares payload["answer"] with payload["ground_truth"].
func (e *ExactMatchEvaluator) Invoke(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	answer := strings.TrimSpace(payload.String("answer"))
	if answer == "" {
		return nil, domain.Failf(domain.KindValidation, "answer is empty")
	}
	truth := strings.TrimSpace(payload.String("ground_truth"))
	if truth == "" {
		return nil, domain.Failf(domain.KindValidation, "ground_truth is required for exact match")
	}

	score := 0.0
	if normalize(answer) == normalize(truth) {
		score = 1.0
	}
	return domain.Payload{
		"query":   payload.String("query"),
		"answer":  answer,
		"metrics": domain.Payload{"exact_match": score},
		"passed":  score == 1.0,
	}, nil
}

func normalize(text string) string {
	return strings.Join(tokenize(text), " ")
}

func tokenF1(answer, truth map[string]struct{}) (precision, recall, f1 float64) {
	if len(answer) == 0 || len(truth) == 0 {
		return 0, 0, 0
	}
	hits := 0
	for tok := range answer {
		if _, ok := truth[tok]; ok {
			hits++
		}
	}
	if hits == 0 {
		return 0, 0, 0
	}
	precision = float64(hits) / float64(len(answer))
	recall = float64(hits) / float64(len(truth))
	f1 = 2 * precision * recall / (precision + recall)
	return precision, recall, f1
}

func faithfulness(answerTokens map[string]struct{}, contexts []any) float64 {
	if len(answerTokens) == 0 {
		return 0
	}
	supported := make(map[string]struct{})
	for _, raw := range contexts {
		var text string
		switch entry := raw.(type) {
		case domain.Payload:
			text = entry.String("text")
		case map[string]any:
			text = domain.Payload(entry).String("text")
		}
		for _, tok := range tokenize(text) {
			if _, ok := answerTokens[tok]; ok {
				supported[tok] = struct{}{}
			}
		}
	}
	return float64(len(supported)) / float64(len(answerTokens))
}
