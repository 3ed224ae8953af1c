package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCircuitBreaker(threshold int, window, recovery time.Duration, probes int) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(threshold, window, recovery, probes)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreakerOpensOnWindowedFailures(t *testing.T) {
	cb, _ := newTestCircuitBreaker(3, time.Minute, 30*time.Second, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerOldFailuresExpire(t *testing.T) {
	cb, now := newTestCircuitBreaker(3, time.Minute, 30*time.Second, 1)

	cb.RecordFailure()
	cb.RecordFailure()

	// The first two failures age out of the window; two fresh ones are not
	// enough to open.
	*now = now.Add(2 * time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreakerHalfOpenProbeQuota(t *testing.T) {
	cb, now := newTestCircuitBreaker(2, time.Minute, 30*time.Second, 2)

	cb.RecordFailure()
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	// Exactly two probes pass, the third is held back.
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	// One probe success is not enough to close with a quota of two.
	cb.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb, now := newTestCircuitBreaker(2, time.Minute, 30*time.Second, 2)

	cb.RecordFailure()
	cb.RecordFailure()
	*now = now.Add(31 * time.Second)

	require.True(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	// Recovery restarts from the re-open, not the original open.
	*now = now.Add(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State())
}
