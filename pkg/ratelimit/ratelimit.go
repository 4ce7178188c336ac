// Package ratelimit guards actors with per-key token buckets. An actor that
// exceeds its limit fails with a rate-limit error, which the worker treats
// as a quiet retry.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/actorq/pkg/actor"
	"github.com/ChuLiYu/actorq/pkg/types"
)

// Limiter holds one token bucket per key.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a limiter allowing perSecond events per key with the given
// burst. A burst below 1 is raised to 1.
func New(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Acquire takes a token for key without waiting. It returns a rate-limit
// error when none is available.
func (l *Limiter) Acquire(key string) error {
	if l.bucket(key).Allow() {
		return nil
	}
	return types.RateLimitExceeded(fmt.Sprintf("key %q over %v/s", key, float64(l.limit)))
}

// Wait blocks until a token for key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.bucket(key).Wait(ctx)
}

// Wrap returns fn guarded by the bucket for key.
func (l *Limiter) Wrap(key string, fn actor.Func) actor.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if err := l.Acquire(key); err != nil {
			return nil, err
		}
		return fn(ctx, args, kwargs)
	}
}
