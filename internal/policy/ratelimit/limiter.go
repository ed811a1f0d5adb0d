// Package ratelimit paces record-level side effects per provider.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/property-pipeline/internal/metrics"
)

// Limiter hands out one token per key every interval.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// New creates a Limiter enforcing a fixed gap between successive waits on one key.
// A non-positive interval disables pacing.
func New(interval time.Duration) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Interval reports the configured gap.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until key may perform its next side effect.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.interval <= 0 {
		return ctx.Err()
	}
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace %s: %w", key, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveItemDelay(key, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[key] = limiter
	}
	return limiter
}
