package signing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerUserWindow(t *testing.T) {
	rl := NewRateLimiter(3, 100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, scope := rl.CheckAndIncrement("alice")
		require.True(t, ok, "call %d should pass", i+1)
		assert.Empty(t, scope)
	}

	ok, scope := rl.CheckAndIncrement("alice")
	assert.False(t, ok)
	assert.Equal(t, "per_user", scope)

	// A different user is unaffected.
	ok, _ = rl.CheckAndIncrement("bob")
	assert.True(t, ok)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(2, 100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.CheckAndIncrement("alice")
	require.True(t, ok)
	ok, _ = rl.CheckAndIncrement("alice")
	require.True(t, ok)
	ok, _ = rl.CheckAndIncrement("alice")
	require.False(t, ok)

	// After the window passes, the quota is back.
	now = now.Add(61 * time.Second)
	ok, _ = rl.CheckAndIncrement("alice")
	assert.True(t, ok)
}

func TestRateLimiterGlobalWindow(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _ := rl.CheckAndIncrement(fmt.Sprintf("user-%d", i))
		require.True(t, ok)
	}

	ok, scope := rl.CheckAndIncrement("user-new")
	assert.False(t, ok)
	assert.Equal(t, "global", scope)
}

func TestRateLimiterRejectionDoesNotConsumeQuota(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.CheckAndIncrement("alice")
	require.True(t, ok)

	// Bob is rejected by the global limit; his per-user window must stay
	// empty so the rejection is not charged against him.
	ok, scope := rl.CheckAndIncrement("bob")
	require.False(t, ok)
	require.Equal(t, "global", scope)

	now = now.Add(61 * time.Second)
	ok, _ = rl.CheckAndIncrement("bob")
	assert.True(t, ok)
}

func TestRateLimiterStatsReadOnly(t *testing.T) {
	rl := NewRateLimiter(5, 100)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.CheckAndIncrement("alice")
	rl.CheckAndIncrement("alice")
	rl.CheckAndIncrement("bob")

	stats := rl.Stats()
	assert.Equal(t, 3, stats.GlobalCount)
	assert.Equal(t, 2, stats.ActiveUsers)

	// Stats must not mutate the windows.
	again := rl.Stats()
	assert.Equal(t, stats, again)

	// Stale entries drop out of the report without a CheckAndIncrement.
	now = now.Add(61 * time.Second)
	stats = rl.Stats()
	assert.Equal(t, 0, stats.GlobalCount)
	assert.Equal(t, 0, stats.ActiveUsers)
}
