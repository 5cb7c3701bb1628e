// Package ratelimit provides a per-key minimum-interval gate. The presence
// engine uses it to debounce stat refreshes so spammy re-renders do not
// translate into API traffic.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultInterval = 700 * time.Millisecond

// Gate admits at most one action per key per interval. Denied actions are
// dropped, not queued.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

// New creates a gate with the given minimum interval between admissions.
// Non-positive intervals fall back to the default.
func New(interval time.Duration) *Gate {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Gate{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an action for key is admitted now. The first call
// for a key is always admitted.
func (g *Gate) Allow(key string) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	lim, ok := g.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.interval), 1)
		g.limiters[key] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

// Forget drops the state for key so its next action is admitted
// immediately. Called when the keyed resource is released.
func (g *Gate) Forget(key string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.limiters, key)
	g.mu.Unlock()
}

// Interval returns the configured minimum interval.
func (g *Gate) Interval() time.Duration {
	if g == nil {
		return 0
	}
	return g.interval
}
