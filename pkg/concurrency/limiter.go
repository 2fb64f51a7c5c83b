// Package concurrency bounds how many dataset fetches run at once and trips a
// circuit breaker when the dataset API keeps failing.
package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned while the circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Stats is a snapshot of limiter activity.
type Stats struct {
	Acquired  int64
	Released  int64
	Rejected  int64
	Peak      int64
	TotalWait time.Duration
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	// MaxConcurrent bounds concurrent calls. Values below 1 mean 1.
	MaxConcurrent int

	// Breaker is optional. When set, calls are rejected while it is open.
	Breaker *CircuitBreaker

	// IsFailure decides which errors count against the breaker. Defaults to
	// every non-nil error.
	IsFailure func(error) bool
}

// Limiter is a semaphore with an optional circuit breaker.
type Limiter struct {
	sem       chan struct{}
	breaker   *CircuitBreaker
	isFailure func(error) bool

	active   atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	rejected atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &Limiter{
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		breaker:   cfg.Breaker,
		isFailure: isFailure,
	}
}

// Acquire waits for a free slot. It fails fast with ErrCircuitOpen while the
// breaker is open, or with ctx's error if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.breaker != nil && !l.breaker.Allow() {
		l.rejected.Add(1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(int64(time.Since(start)))
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Do runs fn inside a slot and reports its outcome to the breaker.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn(ctx)
	if l.breaker != nil {
		if err != nil && l.isFailure(err) {
			l.breaker.RecordFailure()
		} else {
			l.breaker.RecordSuccess()
		}
	}
	return err
}

// Active returns the number of calls holding a slot.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired:  l.acquired.Load(),
		Released:  l.released.Load(),
		Rejected:  l.rejected.Load(),
		Peak:      l.peak.Load(),
		TotalWait: time.Duration(l.waitNs.Load()),
	}
}

// BreakerState returns the breaker state, or StateClosed without a breaker.
func (l *Limiter) BreakerState() CircuitBreakerState {
	if l.breaker == nil {
		return StateClosed
	}
	return l.breaker.State()
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
