// Package ratelimit provides a lock-free token bucket.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"
)

// Limiter hands out up to burst tokens, adding one every interval.
type Limiter struct {
	burst      int64
	interval   time.Duration
	now        func() time.Time
	tokens     int64
	lastRefill int64
}

// New returns a full bucket. now may be nil for the wall clock.
func New(burst int, interval time.Duration, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		burst:      int64(burst),
		interval:   interval,
		now:        now,
		tokens:     int64(burst),
		lastRefill: now().UnixNano(),
	}
}

// PerSecond builds a limiter allowing rate calls per second with a burst of
// one second's worth. rate <= 0 returns nil, which never limits.
func PerSecond(rate float64) *Limiter {
	if rate <= 0 {
		return nil
	}
	burst := int(rate)
	if burst < 1 {
		burst = 1
	}
	return New(burst, time.Duration(float64(time.Second)/rate), nil)
}

// Allow takes a token if one is available. A nil Limiter always allows.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	l.refill()
	for {
		n := atomic.LoadInt64(&l.tokens)
		if n <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&l.tokens, n, n-1) {
			return true
		}
	}
}

// Wait blocks until a token is taken or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for !l.Allow() {
		timer := time.NewTimer(l.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() int {
	if l == nil {
		return 0
	}
	l.refill()
	return int(atomic.LoadInt64(&l.tokens))
}

func (l *Limiter) untilNext() time.Duration {
	if l.interval <= 0 {
		return time.Millisecond
	}
	elapsed := time.Duration(l.now().UnixNano() - atomic.LoadInt64(&l.lastRefill))
	if d := l.interval - elapsed; d > 0 {
		return d
	}
	return time.Millisecond
}

func (l *Limiter) refill() {
	if l.interval <= 0 {
		return
	}
	now := l.now().UnixNano()
	for {
		last := atomic.LoadInt64(&l.lastRefill)
		add := (now - last) / int64(l.interval)
		if add <= 0 {
			return
		}
		// claim the elapsed intervals before crediting them
		if !atomic.CompareAndSwapInt64(&l.lastRefill, last, last+add*int64(l.interval)) {
			continue
		}
		for {
			n := atomic.LoadInt64(&l.tokens)
			next := n + add
			if next > l.burst {
				next = l.burst
			}
			if atomic.CompareAndSwapInt64(&l.tokens, n, next) {
				return
			}
		}
	}
}
