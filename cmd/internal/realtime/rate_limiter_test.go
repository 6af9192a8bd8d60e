package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 10*time.Second)

	if !rl.Allow(now) || !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("expected first two sends to pass")
	}
	if rl.Allow(now.Add(2 * time.Second)) {
		t.Fatalf("expected third send inside the window to be rejected")
	}
	if got := rl.Remaining(now.Add(2 * time.Second)); got != 0 {
		t.Fatalf("remaining=%d want 0", got)
	}
	if !rl.Allow(now.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("expected the window to slide")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != sendRateEvents || rl.window != sendRateWindow {
		t.Fatalf("unexpected defaults: %d/%v", rl.limit, rl.window)
	}

	var nilLimiter *RateLimiter
	if !nilLimiter.Allow(time.Now()) {
		t.Fatalf("a nil limiter allows everything")
	}
}
