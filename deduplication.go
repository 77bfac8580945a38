package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinZhao/shared/internal/singleflight"
)

// RequestDeduplicator collapses concurrent identical operations onto one
// execution and can refuse resubmission of a request that just succeeded.
//
// Two maps are kept: the in-flight index (one entry per key while its
// operation runs, removed as soon as it settles) and the completion log
// (key -> time of last success, written only by Execute with a cool-down).
// Cleanup prunes the completion log and, under ForgetPendingOnCleanup,
// drops the in-flight index as well.
type RequestDeduplicator struct {
	name          string
	clock         Clock
	logger        Logger
	metrics       *MetricsCollector
	pendingPolicy PendingCleanupPolicy
	defaultMaxAge time.Duration

	group *singleflight.Group

	mu        sync.Mutex
	completed map[string]time.Time

	autoMu   sync.Mutex
	autoStop chan struct{}
	autoDone chan struct{}
}

// NewRequestDeduplicator returns an in-memory deduplicator.
func NewRequestDeduplicator(opts ...DeduplicatorOption) *RequestDeduplicator {
	d := &RequestDeduplicator{
		name:          "default",
		clock:         realClock{},
		logger:        nopLogger{},
		pendingPolicy: ForgetPendingOnCleanup,
		defaultMaxAge: DefaultDedupMaxAge,
		group:         singleflight.New(),
		completed:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GenerateRequestKey builds the fingerprint METHOD:url:payload. The payload
// is serialized as JSON with object keys sorted at every level, so payloads
// that differ only in key order share a key. A payload that cannot be
// serialized contributes its Go type name instead; this never fails.
func GenerateRequestKey(method, url string, data any) string {
	return strings.ToUpper(method) + ":" + url + ":" + canonicalPayload(data)
}

// GenerateKey is GenerateRequestKey.
func (d *RequestDeduplicator) GenerateKey(method, url string, data any) string {
	return GenerateRequestKey(method, url, data)
}

func canonicalPayload(data any) string {
	if data == nil {
		return ""
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%T", data)
	}

	// Re-encoding through generic values sorts struct-derived keys too.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return string(raw)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}

// Deduplicate runs op unless an operation for key is already in flight, in
// which case it waits for that one and returns its outcome. Every caller
// attached to one execution sees the same value or the same error. The key
// leaves the in-flight index before any caller sees the outcome, so a call
// made afterwards runs op again.
//
// op receives the first caller's ctx and runs on that caller's goroutine,
// so cancelling it ends the execution for every caller. A waiter whose ctx
// is done returns ctx.Err() without affecting the execution.
func (d *RequestDeduplicator) Deduplicate(ctx context.Context, key string, op func(context.Context) (any, error)) (any, error) {
	owner := false
	v, err, _ := d.group.Do(ctx, key, func() (interface{}, error) {
		owner = true
		d.metrics.RecordPending(d.name, d.group.Len())

		v, err := op(ctx)
		d.metrics.RecordExecution(d.name, err)
		return v, err
	})

	if !owner {
		d.metrics.RecordDeduplicationHit(d.name)
	}
	d.metrics.RecordPending(d.name, d.group.Len())
	return v, err
}

// DeduplicateOrReject runs op unless an operation for key is in flight, in
// which case it fails at once with a DuplicateSubmissionError whose reason
// is ReasonInProgress.
func (d *RequestDeduplicator) DeduplicateOrReject(ctx context.Context, key string, op func(context.Context) (any, error)) (any, error) {
	v, err, ok := d.group.TryDo(key, func() (interface{}, error) {
		d.metrics.RecordPending(d.name, d.group.Len())

		v, err := op(ctx)
		d.metrics.RecordExecution(d.name, err)
		return v, err
	})
	if !ok {
		d.metrics.RecordDuplicateRejected(d.name, ReasonInProgress)
		return nil, &DuplicateSubmissionError{Key: key, Reason: ReasonInProgress}
	}

	d.metrics.RecordPending(d.name, d.group.Len())
	return v, err
}

// Execute fingerprints the request described by opts and runs op through
// Deduplicate.
//
// With BlockAfterComplete > 0 a request whose identical predecessor
// succeeded less than BlockAfterComplete ago fails with a
// DuplicateSubmissionError (ReasonRecentlyCompleted) without running op,
// and a successful execution records its completion time. Failures are
// never recorded, so they do not block retries.
func (d *RequestDeduplicator) Execute(ctx context.Context, opts ExecuteOptions, op func(context.Context) (any, error)) (any, error) {
	key := GenerateRequestKey(opts.Method, opts.URL, opts.Data)
	block := opts.BlockAfterComplete

	if block > 0 {
		if remaining, blocked := d.coolingDown(key, block); blocked {
			return nil, d.rejectRecent(key, remaining)
		}
	}

	return d.Deduplicate(ctx, key, func(ctx context.Context) (any, error) {
		// A completion is recorded before its pending entry leaves the
		// index, so this catches one that landed after the check above.
		if block > 0 {
			if remaining, blocked := d.coolingDown(key, block); blocked {
				return nil, d.rejectRecent(key, remaining)
			}
		}
		v, err := op(ctx)
		if err == nil && block > 0 {
			d.markCompleted(key)
		}
		return v, err
	})
}

func (d *RequestDeduplicator) rejectRecent(key string, remaining time.Duration) error {
	d.metrics.RecordDuplicateRejected(d.name, ReasonRecentlyCompleted)
	d.logger.Debug("duplicate submission rejected", "key", key, "reason", ReasonRecentlyCompleted, "retry_after", remaining)
	return &DuplicateSubmissionError{
		Key:        key,
		Reason:     ReasonRecentlyCompleted,
		RetryAfter: remaining,
	}
}

func (d *RequestDeduplicator) coolingDown(key string, block time.Duration) (time.Duration, bool) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	completedAt, ok := d.completed[key]
	if !ok {
		return 0, false
	}
	if elapsed := now.Sub(completedAt); elapsed < block {
		return block - elapsed, true
	}
	return 0, false
}

func (d *RequestDeduplicator) markCompleted(key string) {
	now := d.clock.Now()
	d.mu.Lock()
	d.completed[key] = now
	d.mu.Unlock()
}

// Cleanup removes completion records older than maxAge (maxAge <= 0 means
// the configured default, 10s unless changed). Under the default
// ForgetPendingOnCleanup policy it also drops every in-flight entry from
// the index regardless of age; see ForgetPendingOnCleanup for the
// consequences.
func (d *RequestDeduplicator) Cleanup(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = d.defaultMaxAge
	}
	now := d.clock.Now()

	d.mu.Lock()
	expired := 0
	for key, completedAt := range d.completed {
		if now.Sub(completedAt) > maxAge {
			delete(d.completed, key)
			expired++
		}
	}
	d.mu.Unlock()

	forgotten := 0
	if d.pendingPolicy == ForgetPendingOnCleanup {
		forgotten = d.group.ForgetAll()
		d.metrics.RecordPending(d.name, d.group.Len())
	}

	if expired > 0 || forgotten > 0 {
		d.logger.Debug("deduplicator cleanup", "name", d.name, "completed_removed", expired, "pending_forgotten", forgotten)
	}
}

// StartAutoCleanup runs Cleanup with the default max age every interval
// (interval <= 0 means one minute). It is a no-op when already running.
func (d *RequestDeduplicator) StartAutoCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDedupCleanupInterval
	}

	d.autoMu.Lock()
	defer d.autoMu.Unlock()

	if d.autoStop != nil {
		return
	}
	d.autoStop = make(chan struct{})
	d.autoDone = make(chan struct{})

	go d.cleanupLoop(interval, d.autoStop, d.autoDone)
}

// StopAutoCleanup stops the cleanup started by StartAutoCleanup. It is a
// no-op when not running and does not affect in-flight operations.
func (d *RequestDeduplicator) StopAutoCleanup() {
	d.autoMu.Lock()
	defer d.autoMu.Unlock()

	if d.autoStop == nil {
		return
	}
	close(d.autoStop)
	<-d.autoDone
	d.autoStop, d.autoDone = nil, nil
}

func (d *RequestDeduplicator) cleanupLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.safeCleanup()
		}
	}
}

func (d *RequestDeduplicator) safeCleanup() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("deduplicator cleanup failed", "name", d.name, "panic", r)
		}
	}()
	d.Cleanup(0)
}

// Stats returns the sizes of the in-flight index and the completion log.
func (d *RequestDeduplicator) Stats() DeduplicatorStats {
	d.mu.Lock()
	completed := len(d.completed)
	d.mu.Unlock()

	return DeduplicatorStats{
		PendingCount:   d.group.Len(),
		CompletedCount: completed,
	}
}

// Clear drops both maps unconditionally.
func (d *RequestDeduplicator) Clear() {
	d.mu.Lock()
	d.completed = make(map[string]time.Time)
	d.mu.Unlock()

	d.group.ForgetAll()
	d.metrics.RecordPending(d.name, 0)
}

// Deduplicate is RequestDeduplicator.Deduplicate with a typed result.
// Callers sharing a key must agree on T; a mismatched shared value comes
// back as the zero value.
func Deduplicate[T any](ctx context.Context, d *RequestDeduplicator, key string, op func(context.Context) (T, error)) (T, error) {
	v, err := d.Deduplicate(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	return typed[T](v, err)
}

// Execute is RequestDeduplicator.Execute with a typed result.
func Execute[T any](ctx context.Context, d *RequestDeduplicator, opts ExecuteOptions, op func(context.Context) (T, error)) (T, error) {
	v, err := d.Execute(ctx, opts, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	return typed[T](v, err)
}

func typed[T any](v any, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
