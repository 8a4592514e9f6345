package worker

import (
	"sync"
	"time"
)

// BreakerState is a circuit breaker's externally observable state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards a single dependency (the stream endpoint, the
// response endpoint, or the host tool API). It opens after a run of
// failures inside a rolling window and allows exactly one probe call
// once its cooldown elapses, closing again on that probe's success.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	cooldown  time.Duration

	state         BreakerState
	failures      []time.Time
	openedAt      time.Time
	halfOpenAt    time.Time
	probeInFlight bool
}

// NewCircuitBreaker builds a breaker that opens at threshold failures
// within window and stays open for cooldown before probing.
func NewCircuitBreaker(threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call against the guarded dependency may
// proceed right now. A false result in Open state means the caller
// must short-circuit with a local failure rather than attempt the
// call; a false result never transitions state on its own.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.halfOpenAt = time.Now()
		cb.probeInFlight = true
		return true
	case BreakerHalfOpen:
		// Only the probe that flipped us into HalfOpen may proceed;
		// everything else short-circuits until that probe resolves.
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears its failure history
// (from Closed this only resets the failure count; from HalfOpen it
// resets to Closed).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = nil
	cb.state = BreakerClosed
	cb.probeInFlight = false
}

// RecordFailure appends a failure and, if the rolling window now holds
// threshold or more failures, opens the breaker. A failure observed
// while HalfOpen reopens immediately with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.failures = nil
		cb.probeInFlight = false
		return
	}

	cb.failures = append(cb.failures, now)
	cutoff := now.Add(-cb.window)
	kept := cb.failures[:0]
	for _, f := range cb.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	cb.failures = kept

	if len(cb.failures) >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.failures = nil
	}
}

// State returns the breaker's current state for health reporting.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
