package shared

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	internalbackoff "github.com/KevinZhao/shared/internal/backoff"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy int

const (
	// ExponentialJitter multiplies the delay each attempt and adds uniform jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter draws each delay between the initial backoff and 3^attempt times it.
	DecorrelatedJitter
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "exponential_jitter"
	case DecorrelatedJitter:
		return "decorrelated_jitter"
	default:
		return "unknown"
	}
}

// ParseBackoffStrategy maps a strategy name to its value; unknown names yield ExponentialJitter.
func ParseBackoffStrategy(name string) BackoffStrategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "decorrelated", "decorrelated_jitter":
		return DecorrelatedJitter
	default:
		return ExponentialJitter
	}
}

func (s BackoffStrategy) strategy() internalbackoff.Strategy {
	if s == DecorrelatedJitter {
		return internalbackoff.Decorrelated{}
	}
	return internalbackoff.Exponential{}
}

// RetryPolicy decides whether attempt (0-based) should be retried and after how long.
type RetryPolicy interface {
	ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool)
}

// DefaultRetryPolicy retries transient failures, 429 and 5xx responses for
// idempotent methods, honouring Retry-After.
type DefaultRetryPolicy struct {
	maxRetries      int
	backoffStrategy BackoffStrategy
	calculator      *internalbackoff.Calculator
	isIdempotent    func(method string) bool
	budget          *RetryBudget
}

// NewDefaultRetryPolicy creates a retry policy using exponential backoff
// with jitter that only retries idempotent methods by default.
func NewDefaultRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, ExponentialJitter)
}

// NewDefaultRetryPolicyWithStrategy creates a retry policy with a specific backoff strategy.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	params := internalbackoff.Params{
		Initial:    initialBackoff,
		Max:        maxBackoff,
		Multiplier: multiplier,
		Jitter:     internalbackoff.ClampJitter(jitter),
	}
	return &DefaultRetryPolicy{
		maxRetries:      maxRetries,
		backoffStrategy: strategy,
		calculator:      internalbackoff.NewCalculator(strategy.strategy(), params),
		isIdempotent:    DefaultIsIdempotent,
	}
}

// WithBudget caps retries across all calls sharing the policy.
func (p *DefaultRetryPolicy) WithBudget(b *RetryBudget) *DefaultRetryPolicy {
	p.budget = b
	return p
}

// WithIdempotencyCheck replaces DefaultIsIdempotent.
func (p *DefaultRetryPolicy) WithIdempotencyCheck(fn func(method string) bool) *DefaultRetryPolicy {
	if fn != nil {
		p.isIdempotent = fn
	}
	return p
}

// MaxRetries returns the retry limit.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// Strategy returns the backoff strategy.
func (p *DefaultRetryPolicy) Strategy() BackoffStrategy {
	return p.backoffStrategy
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}

	if resp != nil && resp.Request != nil && !p.isIdempotent(resp.Request.Method) {
		return 0, false
	}

	shouldRetry := false
	var delay time.Duration

	if err != nil {
		shouldRetry = retryableError(err)
	} else if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			shouldRetry = true
			delay = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
	}

	if !shouldRetry {
		return 0, false
	}

	if p.budget != nil && !p.budget.Allow() {
		return 0, false
	}

	if delay == 0 {
		delay = p.Backoff(attempt)
	}
	return delay, true
}

// Backoff returns the computed delay for attempt, ignoring Retry-After.
func (p *DefaultRetryPolicy) Backoff(attempt int) time.Duration {
	return p.calculator.Delay(attempt)
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Unclassified errors are usually transport failures.
	if ErrorCode(err) == ErrorTypeUnknown {
		return true
	}
	return IsTransient(err)
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget limits the number of retries allowed per time window.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// GetStats returns current retry budget statistics.
func (rb *RetryBudget) GetStats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}

type retryConfig struct {
	metrics  *MetricsCollector
	logger   Logger
	method   string
	endpoint string
}

// RetryOption configures Retry.
type RetryOption func(*retryConfig)

// WithRetryMetrics records each retry under method and endpoint labels.
func WithRetryMetrics(mc *MetricsCollector, method, endpoint string) RetryOption {
	return func(c *retryConfig) {
		c.metrics = mc
		c.method = method
		c.endpoint = endpoint
	}
}

// WithRetryLogger logs each retry at debug level.
func WithRetryLogger(l Logger) RetryOption {
	return func(c *retryConfig) {
		c.logger = l
	}
}

// Retry calls fn until it succeeds or policy declines another attempt, and
// returns the last response and error. Bodies of discarded responses are
// drained and closed. A done ctx aborts the wait between attempts with
// ctx.Err().
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) (*http.Response, error), opts ...RetryOption) (*http.Response, error) {
	cfg := retryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := loggerOrNop(cfg.logger)

	for attempt := 0; ; attempt++ {
		resp, err := fn(ctx)

		delay, again := policy.ShouldRetry(resp, err, attempt)
		if !again || ctx.Err() != nil {
			return resp, err
		}

		discard(resp)
		cfg.metrics.RecordRetry(cfg.method, cfg.endpoint, attempt+1)
		logger.Debug("retrying", "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// EndpointFromRequest extracts host + path for metrics labels.
func EndpointFromRequest(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	endpoint := req.URL.Host
	if req.URL.Path != "" && req.URL.Path != "/" {
		endpoint += req.URL.Path
	} else {
		endpoint += "/"
	}
	return endpoint
}
