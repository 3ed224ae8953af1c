package signing

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker isolates the signing backend. Failures are counted in a
// sliding time window (a deque of timestamps pruned on each check); once the
// window count reaches the threshold the breaker opens. After the recovery
// timeout it transparently moves to HALF_OPEN and allows a fixed probe
// quota: any probe failure re-opens, a full quota of probe successes closes.
type CircuitBreaker struct {
	mu sync.Mutex

	state            BreakerState
	failures         []time.Time
	threshold        int
	window           time.Duration
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	openedAt       time.Time
	probesIssued   int
	probeSuccesses int
	probeFailures  int

	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(threshold int, window, recoveryTimeout time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            BreakerClosed,
		threshold:        threshold,
		window:           window,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed, advancing OPEN to HALF_OPEN once
// the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
			cb.toHalfOpen()
			cb.probesIssued++
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.probesIssued < cb.halfOpenMaxCalls {
			cb.probesIssued++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenMaxCalls {
			cb.state = BreakerClosed
			cb.failures = nil
		}
	}
}

// RecordFailure notes a failed call, opening the breaker when the windowed
// count reaches the threshold. Any half-open probe failure re-opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.state == BreakerHalfOpen {
		cb.probeFailures++
		cb.open(now)
		return
	}

	cb.failures = append(cb.failures, now)
	cb.prune(now)
	if len(cb.failures) >= cb.threshold {
		cb.open(now)
	}
}

// State reports the breaker position, accounting for an elapsed recovery
// timeout so health endpoints see HALF_OPEN rather than a stale OPEN.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
		cb.toHalfOpen()
	}
	return cb.state
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.state = BreakerOpen
	cb.openedAt = now
	cb.probesIssued = 0
	cb.probeSuccesses = 0
	cb.probeFailures = 0
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = BreakerHalfOpen
	cb.probesIssued = 0
	cb.probeSuccesses = 0
	cb.probeFailures = 0
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	idx := 0
	for idx < len(cb.failures) && !cb.failures[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.failures = append(cb.failures[:0:0], cb.failures[idx:]...)
	}
}
