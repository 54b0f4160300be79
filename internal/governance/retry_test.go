package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nnennaai/nai/pkg/domain"
)

func TestShouldRetry(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2})

	assert.True(t, rp.ShouldRetry(domain.KindTransient, 0))
	assert.True(t, rp.ShouldRetry(domain.KindTransient, 1))
	assert.False(t, rp.ShouldRetry(domain.KindTransient, 2), "two retries means three total attempts")

	assert.True(t, rp.ShouldRetry(domain.KindTimeout, 0))
	assert.False(t, rp.ShouldRetry(domain.KindValidation, 0))
	assert.False(t, rp.ShouldRetry(domain.KindCancelled, 0))
	assert.False(t, rp.ShouldRetry(domain.KindCircuitOpen, 0))
}

func TestShouldRetryZeroRetries(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2})
	assert.False(t, rp.ShouldRetry(domain.KindTransient, 0))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	assert.Equal(t, 100*time.Millisecond, rp.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, rp.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, rp.Backoff(2))
	assert.Equal(t, 500*time.Millisecond, rp.Backoff(3), "capped at max backoff")
	assert.Equal(t, 500*time.Millisecond, rp.Backoff(10))
}

func TestBackoffJitterBounded(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	})

	for i := 0; i < 50; i++ {
		d := rp.Backoff(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 250*time.Millisecond, "jitter adds at most a quarter of the base delay")
	}
}

func TestRetryConfigNormalization(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: -1})
	cfg := rp.Config()

	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, DefaultRetryConfig().InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultRetryConfig().MaxBackoff, cfg.MaxBackoff)
}
