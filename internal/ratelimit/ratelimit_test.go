package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAllowConsumesBurst(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	l := New(3, time.Second, clk.now)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Expected token %d to be available", i+1)
		}
	}
	if l.Allow() {
		t.Error("Expected empty bucket to reject")
	}
}

func TestRefill(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	l := New(2, 100*time.Millisecond, clk.now)
	l.Allow()
	l.Allow()

	clk.advance(99 * time.Millisecond)
	if l.Allow() {
		t.Fatal("Expected no token before one interval")
	}

	clk.advance(time.Millisecond)
	if !l.Allow() {
		t.Fatal("Expected one token after one interval")
	}

	clk.advance(time.Hour)
	if got := l.Tokens(); got != 2 {
		t.Errorf("Expected refill capped at burst 2, got %d", got)
	}
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter
	if !l.Allow() {
		t.Error("Expected nil limiter to allow")
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if PerSecond(0) != nil {
		t.Error("Expected PerSecond(0) to be unlimited")
	}
}

func TestPerSecond(t *testing.T) {
	l := PerSecond(0.5)
	if l.burst != 1 || l.interval != 2*time.Second {
		t.Errorf("Unexpected limiter: burst=%d interval=%v", l.burst, l.interval)
	}
	l = PerSecond(20)
	if l.burst != 20 || l.interval != 50*time.Millisecond {
		t.Errorf("Unexpected limiter: burst=%d interval=%v", l.burst, l.interval)
	}
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	l := New(1, 20*time.Millisecond, nil)
	l.Allow()

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Expected Wait to block for a refill, returned after %v", elapsed)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(1, time.Hour, nil)
	l.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestConcurrentAllowNeverOverspends(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	l := New(100, time.Hour, clk.now)

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Allow() {
					atomic.AddInt64(&granted, 1)
				}
			}
		}()
	}
	wg.Wait()

	if granted != 100 {
		t.Errorf("Expected exactly 100 tokens granted, got %d", granted)
	}
}
