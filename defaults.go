package shared

import "sync"

var (
	defaultDedupOnce sync.Once
	defaultDedup     *RequestDeduplicator

	defaultCacheOnce sync.Once
	defaultCache     *TTLCache[any]
)

// DefaultDeduplicator returns the process-wide deduplicator, created with
// default options on first use. It is never torn down; code that needs a
// controlled lifecycle should construct its own with NewRequestDeduplicator.
func DefaultDeduplicator() *RequestDeduplicator {
	defaultDedupOnce.Do(func() {
		defaultDedup = NewRequestDeduplicator(WithDeduplicatorName("process"))
	})
	return defaultDedup
}

// DefaultCache returns the process-wide cache, created with default options
// on first use. Its sweep goroutine lives as long as the process.
func DefaultCache() *TTLCache[any] {
	defaultCacheOnce.Do(func() {
		defaultCache = NewTTLCache[any](WithCacheName("process"))
	})
	return defaultCache
}
