package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureKindRetryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindCircuitOpen.Retryable())
	assert.False(t, KindCancelled.Retryable())
}

func TestFailureKindCountsAgainstBreaker(t *testing.T) {
	assert.True(t, KindTransient.CountsAgainstBreaker())
	assert.True(t, KindTimeout.CountsAgainstBreaker())
	assert.True(t, KindValidation.CountsAgainstBreaker())
	assert.False(t, KindCircuitOpen.CountsAgainstBreaker())
	assert.False(t, KindCancelled.CountsAgainstBreaker())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, ""},
		{"declared kind", Failf(KindTransient, "upstream flaked"), KindTransient},
		{"wrapped declared kind", fmt.Errorf("outer: %w", Failf(KindValidation, "bad payload")), KindValidation},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"cancelled", context.Canceled, KindCancelled},
		{"connection refused", errors.New("dial tcp: connection refused"), KindTransient},
		{"rate limit", errors.New("429 rate limit exceeded"), KindTransient},
		{"unknown", errors.New("field missing"), KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFailureError(t *testing.T) {
	inner := errors.New("boom")
	f := &Failure{Stage: "embed", Kind: KindTransient, Attempt: 2, Err: inner}

	assert.Contains(t, f.Error(), "embed")
	assert.Contains(t, f.Error(), "transient")
	assert.Contains(t, f.Error(), "attempt 2")
	require.ErrorIs(t, f, inner)
}
