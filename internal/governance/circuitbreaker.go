// Package governance holds the per-stage resilience machinery: retry
// policies with exponential backoff, and circuit breakers that isolate a
// degraded stage from further load. Breaker state is engine-scoped shared
// state; all mutation goes through breaker methods, never through adapters.
package governance

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a stage's breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// StateClosed admits all calls.
	StateClosed BreakerState = "closed"
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen BreakerState = "open"
	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines per-stage circuit breaking thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before admitting a probe.
	Cooldown time.Duration
	// Window is the rolling look-back over which failures are counted.
	Window time.Duration
}

// DefaultBreakerConfig returns the engine defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		Window:           60 * time.Second,
	}
}

// CircuitBreaker implements the {closed, open, half-open} state machine for
// one stage. A single mutex serializes every mutation; callers never touch
// the counters directly.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig
	state  BreakerState

	failures   []time.Time // rolling failure timestamps within Window
	openUntil  time.Time
	probing    bool
	lastChange time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the provided configuration,
// normalizing non-positive values to defaults.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	return &CircuitBreaker{
		config:     config,
		state:      StateClosed,
		lastChange: time.Now(),
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen until the cooldown elapses, then admits exactly one probe
// and rejects further calls until that probe reports its result.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// RecordSuccess feeds a successful call result back into the breaker. A
// successful probe closes the circuit; in the closed state it clears the
// rolling failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.transitionLocked(StateClosed, now)
	case StateClosed:
		cb.failures = cb.failures[:0]
	}
}

// RecordFailure feeds a failed call result back into the breaker. A failed
// probe reopens the circuit and restarts the cooldown; in the closed state
// the failure joins the rolling window and opens the circuit once the
// threshold is crossed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.transitionLocked(StateOpen, now)
	case StateClosed:
		cb.failures = append(cb.pruneLocked(now), now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.config.Window)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (cb *CircuitBreaker) transitionLocked(next BreakerState, now time.Time) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.lastChange = now
	cb.probing = false
	switch next {
	case StateOpen:
		cb.openUntil = now.Add(cb.config.Cooldown)
		cb.failures = cb.failures[:0]
	case StateClosed, StateHalfOpen:
		cb.openUntil = time.Time{}
		cb.failures = cb.failures[:0]
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed. This is the administrative reset
// path; nothing else clears breaker state across execution instances.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, cb.now())
}

// BreakerStats exposes breaker status for the admin surface.
type BreakerStats struct {
	State           string `json:"state"`
	RecentFailures  int    `json:"recentFailures"`
	LastStateChange string `json:"lastStateChange"`
	OpenUntil       string `json:"openUntil,omitempty"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := BreakerStats{
		State:           string(cb.state),
		RecentFailures:  len(cb.pruneLocked(cb.now())),
		LastStateChange: cb.lastChange.Format(time.RFC3339),
	}
	if !cb.openUntil.IsZero() {
		stats.OpenUntil = cb.openUntil.Format(time.RFC3339)
	}
	return stats
}

// BreakerManager owns the circuit breakers for all stages of one engine
// instance. Breakers outlive individual execution instances and are cleared
// only by Reset or by restarting the engine.
type BreakerManager struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerManager creates a manager that hands out breakers with the given
// base configuration.
func NewBreakerManager(config BreakerConfig) *BreakerManager {
	return &BreakerManager{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Configure installs a breaker with stage-specific thresholds.
func (m *BreakerManager) Configure(stage string, config BreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[stage] = NewCircuitBreaker(config)
}

// Get returns the breaker for a stage, creating one with the base
// configuration on first use.
func (m *BreakerManager) Get(stage string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[stage]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[stage]; ok {
		return cb
	}
	cb = NewCircuitBreaker(m.config)
	m.breakers[stage] = cb
	return cb
}

// Stats returns a snapshot of every breaker.
func (m *BreakerManager) Stats() map[string]BreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for stage, cb := range m.breakers {
		stats[stage] = cb.Stats()
	}
	return stats
}

// ResetAll closes every breaker.
func (m *BreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
