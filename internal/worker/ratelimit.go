package worker

import (
	"sync"
	"time"
)

// rateLimiter bounds claims/second across the whole pool using a
// simple fixed-window token count; limit <= 0 disables the cap.
type rateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Time
	used      int
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{limit: limit, window: time.Now().Truncate(time.Second)}
}

func (r *rateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Truncate(time.Second)
	if now.After(r.window) {
		r.window = now
		r.used = 0
	}
	if r.used >= r.limit {
		return false
	}
	r.used++
	return true
}
