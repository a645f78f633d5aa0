package signal

import (
	"sync"
	"time"

	"github.com/dkeye/MediaSwitch/internal/core"
)

// RateLimiter allows limit attempts per viewer within a sliding interval.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[core.ViewerID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[core.ViewerID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(vid core.ViewerID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[vid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[vid] = fresh
		return false
	}

	rl.history[vid] = append(fresh, now)
	return true
}

// Forget drops the history of vid.
func (rl *RateLimiter) Forget(vid core.ViewerID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, vid)
}
