package guard

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a sliding-window per-key limiter. State is
// process-local: a multi-process deployment needs a shared backing
// store instead.
type RateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	limit     int
	hits      map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		limit:  limit,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow prunes timestamps older than the window for key, then admits
// the request if the remaining count is below the limit, recording the
// new timestamp on admission.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	rl.sweep(now, cutoff)

	recent := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.hits[key] = recent
		return fmt.Errorf("%w: too many search requests, please wait a moment", ErrRateLimited)
	}

	rl.hits[key] = append(recent, now)
	return nil
}

// sweep evicts keys whose every hit has left the window, at most once
// per window, so the map does not grow for the process lifetime as
// one-off clients come and go. Timestamps are appended in order, so a
// key is dead when its newest hit is past the cutoff.
func (rl *RateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now

	for key, ts := range rl.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(rl.hits, key)
		}
	}
}
