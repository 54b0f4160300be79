package domain

import "time"

// TaskOutcome is the terminal state of one task.
type TaskOutcome string

const (
	// OutcomePending marks a task that has not completed yet.
	OutcomePending TaskOutcome = "pending"
	// OutcomeSucceeded marks a task whose adapter produced output.
	OutcomeSucceeded TaskOutcome = "succeeded"
	// OutcomeFailed marks a task whose retries are exhausted or whose failure
	// kind forbids retry.
	OutcomeFailed TaskOutcome = "failed"
	// OutcomeSkipped marks a task that was never run because an upstream
	// dependency failed; the upstream reason is propagated into its trace.
	OutcomeSkipped TaskOutcome = "skipped"
	// OutcomeCancelled marks a task dropped or interrupted by instance
	// cancellation.
	OutcomeCancelled TaskOutcome = "cancelled"
)

// RunOutcome is the terminal state of one execution instance.
type RunOutcome string

const (
	// RunSucceeded means the terminal stage and every required stage succeeded.
	RunSucceeded RunOutcome = "succeeded"
	// RunDegraded means the terminal stage succeeded but an optional upstream
	// stage did not.
	RunDegraded RunOutcome = "degraded"
	// RunFailed means the terminal stage did not succeed.
	RunFailed RunOutcome = "failed"
	// RunCancelled means the instance was cancelled before completion.
	RunCancelled RunOutcome = "cancelled"
)

// TraceEvent is the immutable record of one task attempt. Exactly one event
// is produced per attempt, including retried attempts, circuit-rejected
// attempts, and skip markers for stages that never ran.
type TraceEvent struct {
	TaskID       string      `json:"task_id"`
	Stage        string      `json:"stage"`
	Attempt      int         `json:"attempt"`
	Start        time.Time   `json:"start"`
	End          time.Time   `json:"end"`
	Outcome      TaskOutcome `json:"outcome"`
	ErrorKind    FailureKind `json:"error_kind,omitempty"`
	Error        string      `json:"error,omitempty"`
	InputDigest  string      `json:"input_digest,omitempty"`
	OutputDigest string      `json:"output_digest,omitempty"`
	InputBytes   int         `json:"input_bytes"`
	OutputBytes  int         `json:"output_bytes"`
}

// StageOutcome summarizes the final state of one stage within a run. The
// RunRecord lists stage outcomes in the graph's topological order regardless
// of completion order, so two runs of the same graph diff cleanly.
type StageOutcome struct {
	Stage     string        `json:"stage"`
	Outcome   TaskOutcome   `json:"outcome"`
	Attempts  int           `json:"attempts"`
	ErrorKind FailureKind   `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
}

// RunRecord is the persisted summary of one execution instance. It is
// created when the instance completes and is immutable thereafter.
type RunRecord struct {
	RunID       string             `json:"run_id"`
	Kind        string             `json:"kind"` // ingest, run, score
	Query       string             `json:"query,omitempty"`
	Answer      string             `json:"answer,omitempty"`
	Outcome     RunOutcome         `json:"outcome"`
	ConfigHash  string             `json:"config_hash"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Latency     time.Duration      `json:"latency_ns"`
	Cost        float64            `json:"estimated_cost"`
	Stages      []StageOutcome     `json:"stages"`
	Trace       []TraceEvent       `json:"trace"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Document is one raw unit handed to Ingest.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScoredContext is one retrieved chunk with its similarity score.
type ScoredContext struct {
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
