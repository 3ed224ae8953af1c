package syncer

import (
	"log"
	"sync"
	"time"
)

// BreakerState is the trading breaker's position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// TradingBreaker pauses order submission across all followers once the
// exchange or signing path fails repeatedly. Shared process-wide: repeated
// submit failures usually mean an outage, not a follower-specific problem.
//
// CLOSED counts consecutive failures inside the failure window (success
// resets, and a failure older than the window no longer counts against the
// next one); at the threshold it OPENs; after the recovery timeout the next
// check moves to HALF_OPEN and admits a bounded number of probes; probe
// success closes, probe failure re-opens.
type TradingBreaker struct {
	mu sync.Mutex

	failureThreshold int
	failureWindow    time.Duration
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	state         BreakerState
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	probesIssued  int

	now func() time.Time
}

// NewTradingBreaker creates a breaker in the CLOSED state.
func NewTradingBreaker(failureThreshold int, failureWindow, recoveryTimeout time.Duration, halfOpenMaxCalls int) *TradingBreaker {
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 1
	}
	return &TradingBreaker{
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a submission may proceed right now. Callers must
// follow an admitted call with RecordSuccess or RecordFailure: in HALF_OPEN
// each admission consumes one probe from the quota.
func (b *TradingBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.state = BreakerHalfOpen
			b.probesIssued = 0
			log.Printf("[TradingBreaker] Recovery timeout elapsed, moving to HALF_OPEN")
		} else {
			return false
		}
		fallthrough
	case BreakerHalfOpen:
		if b.probesIssued >= b.halfOpenMaxCalls {
			return false
		}
		b.probesIssued++
		return true
	}
	return false
}

// RecordSuccess resets failure accounting; a successful half-open probe
// closes the breaker.
func (b *TradingBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		log.Printf("[TradingBreaker] Probe succeeded, closing")
	}
	b.state = BreakerClosed
	b.failureCount = 0
	b.probesIssued = 0
}

// RecordFailure counts a failure; at the threshold (or on any half-open
// probe failure) the breaker opens. Failures older than the failure window
// age out of the count.
func (b *TradingBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.open()
		return
	}

	now := b.now()
	if b.failureWindow > 0 && b.failureCount > 0 && now.Sub(b.lastFailureAt) > b.failureWindow {
		b.failureCount = 0
	}
	b.lastFailureAt = now

	b.failureCount++
	if b.failureCount >= b.failureThreshold {
		b.open()
	}
}

// State reports the current position, accounting for an elapsed recovery
// timeout so health endpoints see HALF_OPEN rather than a stale OPEN.
func (b *TradingBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *TradingBreaker) open() {
	if b.state != BreakerOpen {
		log.Printf("[TradingBreaker] Opening after %d failures", b.failureCount)
	}
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failureCount = 0
	b.probesIssued = 0
}
