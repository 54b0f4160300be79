// Package runstore persists completed run records so past runs can be listed,
// inspected, and compared after the process exits.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/nnennaai/nai/pkg/domain"
)

// ErrNotFound is returned when a run id has no persisted record.
var ErrNotFound = errors.New("run not found")

// Store persists completed run records. Records are immutable once appended.
type Store interface {
	// Append persists one completed record. Appending the same run id twice
	// overwrites the earlier record.
	Append(ctx context.Context, record *domain.RunRecord) error

	// Get returns the record for a run id, or ErrNotFound.
	Get(ctx context.Context, runID string) (*domain.RunRecord, error)

	// List returns summaries of runs whose start time falls within
	// [from, to), newest first. A zero from or to leaves that bound open.
	List(ctx context.Context, from, to time.Time) ([]Summary, error)

	// Close releases any underlying resources.
	Close() error
}

// Summary is the listing view of one persisted run.
type Summary struct {
	RunID       string            `json:"run_id"`
	Kind        string            `json:"kind"`
	Outcome     domain.RunOutcome `json:"outcome"`
	Query       string            `json:"query,omitempty"`
	StartedAt   string            `json:"started_at"`
	LatencyMS   int64             `json:"latency_ms"`
	StageCount  int               `json:"stage_count"`
	TraceEvents int               `json:"trace_events"`
}

func inRange(started time.Time, from, to time.Time) bool {
	if !from.IsZero() && started.Before(from) {
		return false
	}
	if !to.IsZero() && !started.Before(to) {
		return false
	}
	return true
}

func summarize(r *domain.RunRecord) Summary {
	return Summary{
		RunID:       r.RunID,
		Kind:        r.Kind,
		Outcome:     r.Outcome,
		Query:       r.Query,
		StartedAt:   r.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LatencyMS:   r.Latency.Milliseconds(),
		StageCount:  len(r.Stages),
		TraceEvents: len(r.Trace),
	}
}
