package pipeline

import (
	"sync"
	"time"
)

// RateLimiter caps sends per author over a fixed window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	authors map[string]*authorWindow
}

type authorWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		authors: make(map[string]*authorWindow),
	}
}

// Allow reports whether the author may send another message now.
func (rl *RateLimiter) Allow(authorID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, exists := rl.authors[authorID]
	if !exists || now.Sub(w.windowStart) >= rl.window {
		rl.authors[authorID] = &authorWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops stale author entries. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for id, w := range rl.authors {
		if now.Sub(w.windowStart) > 5*rl.window {
			delete(rl.authors, id)
		}
	}
}
