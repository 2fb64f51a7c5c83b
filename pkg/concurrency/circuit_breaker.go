package concurrency

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed lets every call through
	StateClosed CircuitBreakerState = iota

	// StateOpen rejects calls until the reset timeout elapses
	StateOpen

	// StateHalfOpen lets calls through to probe whether the collaborator recovered
	StateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Defaults to 10.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before probing. Defaults to 30s.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive probe successes that close
	// the circuit again. Defaults to 1.
	HalfOpenSuccesses int

	Logger *zap.Logger
}

// CircuitBreaker stops hammering the dataset API while it is failing.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
}

// Allow reports whether a call may proceed. An open circuit whose reset
// timeout has elapsed moves to half-open and allows the call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.successes++
	if cb.successes >= cb.cfg.HalfOpenSuccesses {
		cb.transition(StateClosed)
	}
}

// RecordFailure records a failed call. Any failure while half-open reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes = 0
	cb.failures++
	cb.lastFailure = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold:
		cb.transition(StateOpen)
	}
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.lastFailure = time.Time{}
}

// transition changes state and resets counters. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	cb.logger.Info("Circuit breaker state changed",
		zap.Stringer("from", cb.state),
		zap.Stringer("to", next),
		zap.Int("consecutive_failures", cb.failures))
	cb.state = next
	cb.successes = 0
	if next == StateClosed {
		cb.failures = 0
	}
}
