package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why a task attempt failed and drives retry and
// circuit breaker accounting.
type FailureKind string

const (
	// KindValidation marks a malformed payload or contract mismatch. Never
	// retried, always fatal to the task.
	KindValidation FailureKind = "validation"
	// KindTransient marks network errors and rate limits. Retried per policy.
	KindTransient FailureKind = "transient"
	// KindCircuitOpen marks a stage that is currently shedding load. The
	// adapter is not invoked and the rejection is not counted against the
	// breaker.
	KindCircuitOpen FailureKind = "circuit-open"
	// KindTimeout marks a deadline exceeded. Treated as transient for retry
	// purposes and counted against the breaker.
	KindTimeout FailureKind = "timeout"
	// KindCancelled marks a propagated cancellation. Never retried.
	KindCancelled FailureKind = "cancelled"
)

// Retryable reports whether a failure of this kind may be re-attempted.
func (k FailureKind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// CountsAgainstBreaker reports whether the failure feeds the stage's circuit
// breaker counter. Circuit rejections and cancellations do not.
func (k FailureKind) CountsAgainstBreaker() bool {
	return k == KindTransient || k == KindTimeout || k == KindValidation
}

// Failure is the error type produced by a failed task attempt. It carries
// enough context for post-mortem from the trace alone: the failing stage,
// the classification, and the attempt number.
type Failure struct {
	Stage   string
	Kind    FailureKind
	Attempt int
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("stage %s attempt %d: %s: %v", f.Stage, f.Attempt, f.Kind, f.Err)
	}
	return fmt.Sprintf("stage %s attempt %d: %s", f.Stage, f.Attempt, f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Failf constructs a classified failure for adapters that know why they
// failed. Stage and attempt are filled in by the scheduler.
func Failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"temporary failure",
	"rate limit",
	"too many requests",
}

// Classify maps an arbitrary adapter error to a failure kind. Classified
// failures keep their declared kind; context errors map to timeout and
// cancelled; everything else is probed against known transient signatures
// and otherwise treated as a validation failure, which is never retried.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}

	var f *Failure
	if errors.As(err, &f) && f.Kind != "" {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return KindTransient
		}
	}
	return KindValidation
}
