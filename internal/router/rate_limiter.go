package router

import (
	"sync"
	"time"

	"teleconsult/pkg/clock"
)

// RateLimiter implements per-connection rate limiting
// ARCHITECTURAL DISCOVERY: Per-client state tracking with proper cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   int
	window  time.Duration
	clients map[string]*ClientLimit
}

// ClientLimit tracks rate limiting for a single connection
// FUNCTIONAL DISCOVERY: Fixed window reset once the window elapses gives an exact per-window limit
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

func NewRateLimiter(clk clock.Clock, limit int, window time.Duration) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clock:   clk,
		limit:   limit,
		window:  window,
		clients: make(map[string]*ClientLimit),
	}
}

// Allow reports whether key may send another frame in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	limit, exists := rl.clients[key]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[key] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}
	if limit.messageCount >= rl.limit {
		return false
	}
	limit.messageCount++
	return true
}

// Forget drops the state of key.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Cleanup removes entries idle for five windows.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	removed := 0
	for key, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}
