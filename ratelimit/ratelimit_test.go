// Package ratelimit contains tests for the token-bucket limiter.
package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time manually. Sleeping advances the clock,
// so Acquire's wait-and-recheck loop runs without real delays.
type fakeClock struct {
	mu  sync.Mutex
	t   time.Time
	slf time.Duration // total slept
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slf += d
	return nil
}

func newFakeLimiter(perMinute, capacity int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := NewWithCapacity(perMinute, capacity)
	l.now = clock.now
	l.sleep = clock.sleep
	l.lastUpdate = clock.t
	return l, clock
}

func TestAcquire_BurstWithinCapacity(t *testing.T) {
	l, clock := newFakeLimiter(60, 5)

	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clock.slf != 0 {
		t.Errorf("burst within capacity slept %v, want 0", clock.slf)
	}
}

func TestAcquire_WaitsWhenDrained(t *testing.T) {
	// Capacity 2, 60 tokens/minute = 1 token/second.
	l, clock := newFakeLimiter(60, 2)

	// N = 5 acquires with C = 2 must wait at least (N-C)*60/R = 3 seconds.
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clock.slf < 3*time.Second {
		t.Errorf("slept %v, want at least 3s", clock.slf)
	}
}

func TestAcquire_TokensNeverExceedCapacity(t *testing.T) {
	l, clock := newFakeLimiter(600, 3)

	// Long idle period: the bucket must cap at capacity, not accumulate.
	clock.sleep(context.Background(), time.Hour)
	if got := l.Tokens(); got > 3 {
		t.Errorf("tokens = %v, want <= 3", got)
	}

	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if clock.slf != time.Hour {
		t.Errorf("acquires after idle should not sleep, slept %v", clock.slf-time.Hour)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l, _ := newFakeLimiter(1, 1)
	l.sleep = sleepCtx // real sleep so cancellation is observed

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Error("acquire with cancelled context should fail")
	}
}

func TestAcquire_ConcurrentCallersDoNotRace(t *testing.T) {
	l := New(6000) // plenty of tokens, exercises locking only

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := l.Acquire(context.Background()); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := l.Tokens(); got < 0 {
		t.Errorf("tokens went negative: %v", got)
	}
}
