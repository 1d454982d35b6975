package gate

import (
	"time"
)

// Options configures New. Zero values take the defaults.
type Options struct {
	RateLimit   int
	RateWindow  time.Duration
	DedupWindow time.Duration
	Now         func() time.Time
}

// Gate bundles both policies over one store.
type Gate struct {
	Limiter *RateLimiter
	Dedup   *Deduper
}

func New(store TTLStore, opts Options) *Gate {
	return &Gate{
		Limiter: NewRateLimiter(store, opts.RateLimit, opts.RateWindow, opts.Now),
		Dedup:   NewDeduper(store, opts.DedupWindow),
	}
}
