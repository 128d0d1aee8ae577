package queue

import (
	"sync"
	"time"
)

const rateLimitWindow = time.Minute

// RateLimitConfig caps enqueue throughput. Zero values disable a scope.
type RateLimitConfig struct {
	// PerRequest caps enqueues sharing one requestId per window.
	PerRequest int `mapstructure:"per_request"`
	// PerMinute caps all enqueues across the provider per window.
	PerMinute int `mapstructure:"per_minute"`
}

type rateWindow struct {
	count    int
	resetsAt time.Time
}

// rateLimiter enforces fixed one-minute windows at two scopes: per caller
// requestId and global. Both scopes reset independently.
type rateLimiter struct {
	clock  Clock
	config RateLimitConfig

	mu        sync.Mutex
	global    rateWindow
	byRequest map[string]*rateWindow
}

func newRateLimiter(cfg RateLimitConfig, clock Clock) *rateLimiter {
	return &rateLimiter{
		clock:     clock,
		config:    cfg,
		byRequest: map[string]*rateWindow{},
	}
}

// allow consumes one submission slot from both scopes, or returns a
// RateLimitError with a retry-after hint derived from the window reset.
// Requests without a requestId are only subject to the global cap.
func (rl *rateLimiter) allow(requestID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	if rl.config.PerMinute > 0 {
		if now.Before(rl.global.resetsAt) && rl.global.count >= rl.config.PerMinute {
			return rateLimited("global", ceilSeconds(rl.global.resetsAt.Sub(now)))
		}
	}
	if rl.config.PerRequest > 0 && requestID != "" {
		if win, ok := rl.byRequest[requestID]; ok && now.Before(win.resetsAt) && win.count >= rl.config.PerRequest {
			return rateLimited("request", ceilSeconds(win.resetsAt.Sub(now)))
		}
	}

	// Both scopes passed; commit the increments together so a rejection in
	// one scope never consumes a slot in the other.
	if rl.config.PerMinute > 0 {
		if !now.Before(rl.global.resetsAt) {
			rl.global = rateWindow{resetsAt: now.Add(rateLimitWindow)}
		}
		rl.global.count++
	}
	if rl.config.PerRequest > 0 && requestID != "" {
		win, ok := rl.byRequest[requestID]
		if !ok || !now.Before(win.resetsAt) {
			win = &rateWindow{resetsAt: now.Add(rateLimitWindow)}
			rl.byRequest[requestID] = win
		}
		win.count++
	}
	return nil
}

// prune drops expired per-request windows so the map does not grow without
// bound under many distinct request ids.
func (rl *rateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	for id, win := range rl.byRequest {
		if !now.Before(win.resetsAt) {
			delete(rl.byRequest, id)
		}
	}
}
