// Package ratelimit implements the per-identity sliding window that fronts the
// API, plus a token-bucket throttle for credential endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledgerdesk.org/internal/obs"
)

const (
	DefaultWindow = 15 * time.Minute
	DefaultLimit  = 1000
)

var ErrRateLimitExceeded = errors.New("ratelimit: limit exceeded")

// ExceededError is returned when an identity has used up its window.
type ExceededError struct {
	Limit      int
	RetryAfter time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("ratelimit: limit of %d exceeded, retry after %s", e.Limit, e.RetryAfter.UTC().Format(time.RFC3339))
}

func (e *ExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }

// Result is what a Store reports for a single hit.
type Result struct {
	Allowed bool
	// Count is the number of hits inside the window after this call.
	Count int
	// Oldest is the earliest hit still inside the window.
	Oldest time.Time
}

// Store keeps hit timestamps per identity. Hit must purge entries at or
// before now-window, then record now only if fewer than limit remain, as one
// atomic step per key.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error)
}

// Decision feeds the X-RateLimit-* headers.
type Decision struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

type Limiter struct {
	store  Store
	window time.Duration
	limit  int
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Limiter)

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithLimit(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limit = n
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		window: DefaultWindow,
		limit:  DefaultLimit,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Window() time.Duration { return l.window }

// CheckAndRecord counts one request for identity. It returns an *ExceededError
// when the window is full. Store faults, including panics, allow the request.
func (l *Limiter) CheckAndRecord(ctx context.Context, identity string) (d Decision, err error) {
	now := l.now()
	defer func() {
		if r := recover(); r != nil {
			l.fault(ctx, identity, fmt.Errorf("panic: %v", r))
			d, err = l.open(now), nil
		}
	}()

	if l.store == nil {
		l.fault(ctx, identity, errors.New("no store configured"))
		return l.open(now), nil
	}
	res, herr := l.store.Hit(ctx, identity, now, l.window, l.limit)
	if herr != nil {
		l.fault(ctx, identity, herr)
		return l.open(now), nil
	}

	reset := res.Oldest.Add(l.window)
	if !res.Allowed {
		obs.RateLimitRejected()
		return Decision{Limit: l.limit, Remaining: 0, Reset: reset}, &ExceededError{Limit: l.limit, RetryAfter: reset}
	}
	return Decision{Limit: l.limit, Remaining: max(l.limit-res.Count, 0), Reset: reset}, nil
}

func (l *Limiter) open(now time.Time) Decision {
	return Decision{Limit: l.limit, Remaining: l.limit, Reset: now.Add(l.window)}
}

func (l *Limiter) fault(ctx context.Context, identity string, err error) {
	obs.RateLimitStoreError()
	l.log.ErrorContext(ctx, "ratelimit_store_failed", "identity", identity, "error", err)
}
