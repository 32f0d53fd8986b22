package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is a per-key token bucket. It sits in front of the login endpoint
// to slow down credential stuffing well before the sliding window trips.
type Throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes a token for key.
func (t *Throttle) Allow(key string) bool {
	now := t.now()
	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	t.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Sweep forgets keys idle for longer than ttl.
func (t *Throttle) Sweep(ttl time.Duration) int {
	cutoff := t.now().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, b := range t.buckets {
		if b.seen.Before(cutoff) {
			delete(t.buckets, k)
			n++
		}
	}
	return n
}
