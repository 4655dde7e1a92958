package service

import (
	"context"
	"sync"
	"time"
)

// Throttle paces calls to the protected backend: at most rate permits per
// interval, regardless of how many workers are idle. Fixed-window release; a
// caller that misses the current window blocks until the next one opens.
type Throttle struct {
	mu          sync.Mutex
	rate        int
	interval    time.Duration
	tokens      int
	windowStart time.Time
}

func NewThrottle(rate int, interval time.Duration) *Throttle {
	if rate <= 0 {
		rate = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Throttle{rate: rate, interval: interval}
}

// Permit blocks until a backend call is allowed or ctx is done.
func (t *Throttle) Permit(ctx context.Context) error {
	for {
		t.mu.Lock()
		now := time.Now()
		if t.windowStart.IsZero() || now.Sub(t.windowStart) >= t.interval {
			t.windowStart = now
			t.tokens = t.rate
		}
		if t.tokens > 0 {
			t.tokens--
			t.mu.Unlock()
			return nil
		}
		wait := t.windowStart.Add(t.interval).Sub(now)
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
