package server

import (
	"sync"
	"time"
)

// connRateLimiter caps how many frames a single connection may send per
// interval, sliding-window style.
type connRateLimiter struct {
	mu       sync.Mutex
	history  map[int64][]time.Time
	limit    int
	interval time.Duration
}

func newConnRateLimiter(limit int, interval time.Duration) *connRateLimiter {
	return &connRateLimiter{
		history:  make(map[int64][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *connRateLimiter) allow(connID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[connID]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[connID] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[connID] = fresh
	return true
}

func (rl *connRateLimiter) forget(connID int64) {
	rl.mu.Lock()
	delete(rl.history, connID)
	rl.mu.Unlock()
}
