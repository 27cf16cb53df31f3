package exchange

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces outbound requests. Wait blocks until the next request may be sent.
type Limiter interface {
	Wait(ctx context.Context) error
}

// DelayLimiter spaces successive requests at least delay apart. The first Wait
// returns immediately.
type DelayLimiter struct {
	limiter *rate.Limiter
	delay   time.Duration
}

// NewDelayLimiter creates a fixed-delay limiter. A non-positive delay disables pacing.
func NewDelayLimiter(delay time.Duration) *DelayLimiter {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &DelayLimiter{
		limiter: rate.NewLimiter(limit, 1),
		delay:   delay,
	}
}

// Wait implements Limiter
func (l *DelayLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Delay returns the configured spacing
func (l *DelayLimiter) Delay() time.Duration {
	return l.delay
}

// NoopLimiter never blocks. It counts calls so tests can assert pacing happened.
type NoopLimiter struct {
	calls atomic.Int64
}

// Wait implements Limiter
func (l *NoopLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

// Calls returns how many times Wait was invoked
func (l *NoopLimiter) Calls() int64 {
	return l.calls.Load()
}
