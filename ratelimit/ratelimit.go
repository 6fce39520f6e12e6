// Package ratelimit implements a token-bucket limiter that caps the
// aggregate request rate of all concurrent pipeline workers. Tokens refill
// continuously at a configured per-minute rate; a burst up to the bucket
// capacity is allowed.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token-bucket rate limiter shared by all concurrent callers.
// One token is consumed per request. The zero value is not usable; create
// limiters with New.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	perMinute  float64
	lastUpdate time.Time

	// now is replaceable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter allowing perMinute requests per 60-second window,
// with an initial burst capacity equal to perMinute.
func New(perMinute int) *Limiter {
	return NewWithCapacity(perMinute, perMinute)
}

// NewWithCapacity creates a limiter with an explicit bucket capacity.
// The bucket starts full.
func NewWithCapacity(perMinute, capacity int) *Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		perMinute:  float64(perMinute),
		lastUpdate: time.Now(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Acquire blocks until a token is available, then consumes it.
// It loops rather than sleeping once: while one caller waits, other callers
// may drain tokens that refill in the meantime, so availability must be
// re-evaluated after every wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		elapsed := now.Sub(l.lastUpdate).Seconds()
		l.tokens = min(l.capacity, l.tokens+elapsed*(l.perMinute/60.0))
		l.lastUpdate = now

		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - l.tokens) * (60.0 / l.perMinute) * float64(time.Second))
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("waiting for rate limit token: %w", err)
		}
	}
}

// Tokens reports the current token count after refill, for logging.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	elapsed := l.now().Sub(l.lastUpdate).Seconds()
	return min(l.capacity, l.tokens+elapsed*(l.perMinute/60.0))
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
