package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// accountRateLimiter paces publish-tick dispatch per account, the
// publish-side analogue of a per-IP HTTP rate limiter, so a single account
// cannot monopolize the publish pool. Each account gets its own
// golang.org/x/time/rate.Limiter, created lazily on first use.
type accountRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*accountEntry
	rps      rate.Limit
	burst    int
}

type accountEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAccountRateLimiter(ratePerSecond, burst float64) *accountRateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &accountRateLimiter{
		limiters: make(map[string]*accountEntry),
		rps:      rate.Limit(ratePerSecond),
		burst:    int(burst),
	}
	go rl.cleanupLoop()
	return rl
}

// cleanupLoop evicts accounts idle for over 30 minutes to bound memory.
func (rl *accountRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for id, e := range rl.limiters {
			if time.Since(e.lastSeen) > 30*time.Minute {
				delete(rl.limiters, id)
			}
		}
		rl.mu.Unlock()
	}
}

// allow reports whether accountID may dispatch a publish right now.
func (rl *accountRateLimiter) allow(accountID string) bool {
	rl.mu.Lock()
	e, exists := rl.limiters[accountID]
	if !exists {
		e = &accountEntry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[accountID] = e
	}
	e.lastSeen = time.Now()
	rl.mu.Unlock()

	return e.limiter.Allow()
}
