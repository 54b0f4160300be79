package governance

import (
	"math"
	"math/rand"
	"time"

	"github.com/nnennaai/nai/pkg/domain"
)

// RetryConfig defines retry behavior for task attempts.
type RetryConfig struct {
	// MaxRetries is the maximum number of re-attempts after the first
	// (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff grows per attempt.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns the engine defaults: two retries, so three
// total attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy decides whether and when a failed attempt is re-enqueued.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, normalizing non-positive values.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the policy configuration.
func (rp *RetryPolicy) Config() RetryConfig { return rp.config }

// ShouldRetry reports whether an attempt that failed with the given kind may
// be retried. Circuit rejections bypass retry accounting entirely: the stage
// is shedding load and re-enqueueing would only prolong the outage.
func (rp *RetryPolicy) ShouldRetry(kind domain.FailureKind, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	return kind.Retryable()
}

// Backoff returns the delay before the given retry attempt: base delay
// doubled per attempt, capped, with up to 25% jitter.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff > 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}
