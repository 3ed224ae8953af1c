package signing

import (
	"sync"
	"time"
)

// RateLimiter gates signing requests with two independent sliding windows:
// one per user and one global. A request is rejected if either window is at
// its limit; otherwise the timestamp is recorded in both.
type RateLimiter struct {
	mu        sync.Mutex
	perUser   map[string][]time.Time
	global    []time.Time
	userMax   int
	globalMax int
	window    time.Duration

	now func() time.Time
}

// RateLimiterStats is a cheap snapshot for health reporting.
type RateLimiterStats struct {
	GlobalCount int `json:"globalCount"`
	ActiveUsers int `json:"activeUsers"`
}

// NewRateLimiter builds a limiter with per-minute quotas.
func NewRateLimiter(perUserPerMinute, globalPerMinute int) *RateLimiter {
	return &RateLimiter{
		perUser:   make(map[string][]time.Time),
		userMax:   perUserPerMinute,
		globalMax: globalPerMinute,
		window:    time.Minute,
		now:       time.Now,
	}
}

// CheckAndIncrement prunes both windows, rejects if either is full and
// otherwise records the call. The returned scope names the limit that was
// hit: "per_user" or "global".
func (rl *RateLimiter) CheckAndIncrement(userID string) (bool, string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	rl.global = pruneWindow(rl.global, cutoff)
	user := pruneWindow(rl.perUser[userID], cutoff)

	if len(user) >= rl.userMax {
		rl.perUser[userID] = user
		return false, "per_user"
	}
	if len(rl.global) >= rl.globalMax {
		rl.perUser[userID] = user
		return false, "global"
	}

	rl.perUser[userID] = append(user, now)
	rl.global = append(rl.global, now)
	return true, ""
}

// Stats reports window occupancy without mutating any state.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)

	global := 0
	for _, ts := range rl.global {
		if ts.After(cutoff) {
			global++
		}
	}

	active := 0
	for _, stamps := range rl.perUser {
		for _, ts := range stamps {
			if ts.After(cutoff) {
				active++
				break
			}
		}
	}

	return RateLimiterStats{GlobalCount: global, ActiveUsers: active}
}

func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[idx:]...)
}
