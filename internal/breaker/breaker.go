// Package breaker implements a three-state circuit breaker that fails fast
// while an upstream keeps erroring.
package breaker

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Do while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State of a Breaker.
type State int64

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker. Zero fields take the defaults.
type Config struct {
	// FailureThreshold consecutive failures open the circuit (default 5).
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing (default 60s).
	RecoveryTimeout time.Duration
	// SuccessThreshold successful probes close it again (default 2).
	SuccessThreshold int
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg         Config
	now         func() time.Time
	state       int64
	failures    int64
	successes   int64
	lastFailure int64
}

// New returns a closed Breaker. now may be nil for the wall clock.
func New(cfg Config, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now}
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	return State(atomic.LoadInt64(&b.state))
}

// Allow reports whether a call may proceed. An open circuit whose recovery
// timeout has elapsed moves to half-open and lets the caller probe.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case Closed, HalfOpen:
		return true
	case Open:
		last := atomic.LoadInt64(&b.lastFailure)
		if b.now().UnixNano()-last < int64(b.cfg.RecoveryTimeout) {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.state, int64(Open), int64(HalfOpen)) {
			atomic.StoreInt64(&b.successes, 0)
			return true
		}
		return b.State() != Open
	default:
		return false
	}
}

// RecordFailure counts a failed call.
func (b *Breaker) RecordFailure() {
	atomic.StoreInt64(&b.lastFailure, b.now().UnixNano())

	switch b.State() {
	case Closed:
		if atomic.AddInt64(&b.failures, 1) >= int64(b.cfg.FailureThreshold) {
			atomic.StoreInt64(&b.state, int64(Open))
		}
	case HalfOpen:
		// a failed probe reopens immediately
		atomic.StoreInt64(&b.successes, 0)
		atomic.StoreInt64(&b.state, int64(Open))
	}
}

// RecordSuccess counts a successful call. In the closed state it resets the
// consecutive failure count.
func (b *Breaker) RecordSuccess() {
	switch b.State() {
	case Closed:
		atomic.StoreInt64(&b.failures, 0)
	case HalfOpen:
		if atomic.AddInt64(&b.successes, 1) >= int64(b.cfg.SuccessThreshold) {
			atomic.StoreInt64(&b.failures, 0)
			atomic.StoreInt64(&b.successes, 0)
			atomic.StoreInt64(&b.state, int64(Closed))
		}
	}
}

// Do runs fn when the circuit allows it and records the outcome. failed
// decides which errors count against the circuit; nil counts every error.
func (b *Breaker) Do(fn func() error, failed func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (failed == nil || failed(err)) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}
