package identity

import (
	"sync"
	"time"
)

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10

	// rateLimitPruneThreshold is the map size above which stale keys
	// are swept on every check.
	rateLimitPruneThreshold = 1000
)

// loginRateLimiter tracks failed login attempts per key (remote IP) in a
// sliding window. After rateLimitMaxFail failures within the window,
// further attempts are rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newLoginRateLimiter(now func() time.Time) *loginRateLimiter {
	if now == nil {
		now = time.Now
	}

	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
		now:      now,
	}
}

// limited returns true if key is currently rate-limited.
func (rl *loginRateLimiter) limited(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[key][:0]
	for _, t := range rl.failures[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, key)
	} else {
		rl.failures[key] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for key.
func (rl *loginRateLimiter) record(key string) {
	rl.mu.Lock()
	rl.failures[key] = append(rl.failures[key], rl.now())
	rl.mu.Unlock()
}
