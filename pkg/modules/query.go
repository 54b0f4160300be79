package modules

import (
	"context"
	"strings"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

// QueryLoader is the ingest root of the query graph: it validates the raw
// query before any downstream work is scheduled.
type QueryLoader struct {
	module.Base
	maxLen int
}

// NewQueryLoader constructs a query loader from stage configuration.
func NewQueryLoader(cfg map[string]any) (module.Adapter, error) {
	return &QueryLoader{maxLen: intOption(cfg, "max_query_len", 8192)}, nil
}

// Info implements module.Adapter.
func (q *QueryLoader) Info() module.Info {
	return module.Info{
		Name:       "query-loader",
		Version:    "1.0.0",
		Capability: module.CapCustom,
		Implements: module.Contract(module.CapCustom),
	}
}

// Invoke validates and normalizes payload["query"].
func (q *QueryLoader) Invoke(_ context.Context, payload domain.Payload) (domain.Payload, error) {
	query := strings.TrimSpace(payload.String("query"))
	if query == "" {
		return nil, domain.Failf(domain.KindValidation, "query is empty")
	}
	if len(query) > q.maxLen {
		return nil, domain.Failf(domain.KindValidation, "query exceeds %d bytes", q.maxLen)
	}
	return domain.Payload{"query": query}, nil
}
