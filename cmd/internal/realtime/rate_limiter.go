package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter guarding outbound sends.
// It rejects locally before a frame that the server would refuse with
// ReasonRateLimit ever hits the wire.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = sendRateEvents
	}
	if window <= 0 {
		window = sendRateWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether a send at time now is permitted and records it if so.
// A nil limiter allows everything.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked(now)
	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

// Remaining reports how many sends are still allowed inside the current window.
func (r *RateLimiter) Remaining(now time.Time) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked(now)
	return r.limit - len(r.events)
}

func (r *RateLimiter) evictLocked(now time.Time) {
	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst
}
