// Package backoff computes retry delays.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// maxExponentialAttempt bounds the exponent so float math cannot overflow.
	maxExponentialAttempt = 30
	// maxDecorrelatedAttempt bounds the 3^n growth of decorrelated jitter.
	maxDecorrelatedAttempt = 10
)

// Params describes the shape of a backoff curve.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the computed delay that may be added at random, in [0, 1].
	Jitter float64
}

// Strategy turns an attempt number (0-based) into a delay.
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Exponential grows the delay by Multiplier per attempt and adds uniform jitter.
type Exponential struct{}

// Delay implements Strategy.
func (Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxExponentialAttempt {
		attempt = maxExponentialAttempt
	}

	delay := time.Duration(float64(p.Initial) * pow(p.Multiplier, attempt))
	if delay < 0 || delay > p.Max {
		delay = p.Max
	}

	jitter := ClampJitter(p.Jitter)
	if jitter > 0 {
		extra := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+extra > p.Max {
			return p.Max
		}
		delay += extra
	}
	return delay
}

// Decorrelated picks a random delay between Initial and min(Max, Initial*3^attempt).
// Multiplier and Jitter are ignored.
type Decorrelated struct{}

// Delay implements Strategy.
func (Decorrelated) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	if attempt > maxDecorrelatedAttempt {
		attempt = maxDecorrelatedAttempt
	}

	base := float64(p.Initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > p.Max {
		delay = p.Max
	}
	return delay
}

// ClampJitter restricts jitter to [0, 1].
func ClampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
