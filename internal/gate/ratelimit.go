package gate

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultRateLimit  = 3
	DefaultRateWindow = 60 * time.Second
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// Remaining is how many more requests the window admits.
	Remaining int
	// RetryAfter is set on rejections: time until the window resets.
	RetryAfter time.Duration
}

// RateLimiter admits at most Limit requests per identity in each fixed
// window.
type RateLimiter struct {
	store  TTLStore
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(store TTLStore, limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{store: store, limit: limit, window: window, now: now}
}

// Allow counts one request for identity.
func (r *RateLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	count, expires, err := r.store.Incr(ctx, "rate:"+identity, r.window)
	if err != nil {
		return Decision{}, fmt.Errorf("gate: rate counter: %w", err)
	}
	if count > int64(r.limit) {
		wait := max(expires.Sub(r.now()), time.Second)
		return Decision{RetryAfter: wait.Round(time.Second)}, nil
	}
	return Decision{Allowed: true, Remaining: r.limit - int(count)}, nil
}
