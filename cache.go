package shared

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
	// seq breaks createdAt ties: the entry inserted first is evicted first.
	seq uint64
}

func (e *cacheEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTLCache maps string keys to values of type T with per-entry expiry and
// an entry-count bound.
//
// Expired entries are never returned: Get and Has drop them on sight, and a
// background sweep reclaims the ones nobody reads. When a new key arrives
// at a full cache the entry with the oldest creation time is evicted; reads
// do not refresh an entry's position.
//
// Values are stored and returned by value. If T is a pointer, map or slice
// the caller shares it with the cache.
//
// Call Destroy when the cache is no longer needed to stop the sweep goroutine.
type TTLCache[T any] struct {
	cfg    cacheConfig
	logger Logger

	mu        sync.Mutex
	store     map[string]*cacheEntry[T]
	seq       uint64
	hits      int64
	misses    int64
	evictions int64

	flight singleflight.Group

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTTLCache returns a cache configured by opts and starts its sweep.
func NewTTLCache[T any](opts ...CacheOption) *TTLCache[T] {
	cfg := defaultCacheConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &TTLCache[T]{
		cfg:    cfg,
		logger: loggerOrNop(cfg.logger),
		store:  make(map[string]*cacheEntry[T]),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.cleanupInterval > 0 {
		go c.sweepLoop(cfg.cleanupInterval)
	} else {
		close(c.done)
	}

	return c
}

// Get returns the value for key and records a hit or a miss. An expired
// entry is removed and counts as a miss.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	v, ok := c.lookupLocked(key, c.cfg.clock.Now())
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if ok {
		c.cfg.metrics.RecordCacheHit(c.cfg.name)
	} else {
		c.cfg.metrics.RecordCacheMiss(c.cfg.name)
	}
	return v, ok
}

// Has reports whether key holds a live entry, removing it if expired. It
// does not touch the hit and miss counters, and it tells a stored zero value
// apart from an absent key.
func (c *TTLCache[T]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookupLocked(key, c.cfg.clock.Now())
	return ok
}

func (c *TTLCache[T]) lookupLocked(key string, now time.Time) (T, bool) {
	var zero T
	e, ok := c.store[key]
	if !ok {
		return zero, false
	}
	if e.expired(now) {
		delete(c.store, key)
		c.cfg.metrics.RecordCacheExpired(c.cfg.name, 1)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *TTLCache[T]) Set(key string, value T) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key for ttl; ttl <= 0 means the default TTL.
// Adding a new key to a full cache first evicts the oldest-created entry.
// Overwriting an existing key never evicts.
func (c *TTLCache[T]) SetWithTTL(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	now := c.cfg.clock.Now()

	c.mu.Lock()
	if _, exists := c.store[key]; !exists && len(c.store) >= c.cfg.maxSize {
		c.evictOldestLocked()
	}
	c.seq++
	c.store[key] = &cacheEntry[T]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		seq:       c.seq,
	}
	size := len(c.store)
	c.mu.Unlock()

	c.cfg.metrics.RecordCacheSize(c.cfg.name, size)
}

// evictOldestLocked removes the entry with the smallest createdAt. O(n).
func (c *TTLCache[T]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    *cacheEntry[T]
	)
	for k, e := range c.store {
		if oldest == nil ||
			e.createdAt.Before(oldest.createdAt) ||
			(e.createdAt.Equal(oldest.createdAt) && e.seq < oldest.seq) {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return
	}

	delete(c.store, oldestKey)
	c.evictions++
	c.cfg.metrics.RecordCacheEviction(c.cfg.name)
	c.logger.Debug("cache evicted oldest entry", "cache", c.cfg.name, "key", oldestKey)
	if c.cfg.onEvict != nil {
		c.cfg.onEvict(oldestKey)
	}
}

// Invalidate removes key and reports whether it was present.
func (c *TTLCache[T]) Invalidate(key string) bool {
	c.mu.Lock()
	_, ok := c.store[key]
	delete(c.store, key)
	size := len(c.store)
	c.mu.Unlock()

	if ok {
		c.cfg.metrics.RecordCacheSize(c.cfg.name, size)
	}
	return ok
}

// InvalidatePattern removes every key matched by re and returns the count.
func (c *TTLCache[T]) InvalidatePattern(re *regexp.Regexp) int {
	if re == nil {
		return 0
	}
	return c.invalidateMatching(re.MatchString)
}

// InvalidatePrefix removes every key starting with prefix and returns the
// count. An empty prefix matches every key.
func (c *TTLCache[T]) InvalidatePrefix(prefix string) int {
	return c.invalidateMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (c *TTLCache[T]) invalidateMatching(match func(string) bool) int {
	c.mu.Lock()
	removed := 0
	for key := range c.store {
		if match(key) {
			delete(c.store, key)
			removed++
		}
	}
	size := len(c.store)
	c.mu.Unlock()

	if removed > 0 {
		c.cfg.metrics.RecordCacheSize(c.cfg.name, size)
	}
	return removed
}

// Wrap returns the cached value for key, or calls producer, caches its
// result with the default TTL and returns it. See WrapWithTTL.
func (c *TTLCache[T]) Wrap(ctx context.Context, key string, producer func(context.Context) (T, error)) (T, error) {
	return c.WrapWithTTL(ctx, key, producer, 0)
}

// WrapWithTTL is Wrap with an explicit TTL (ttl <= 0 means the default).
//
// A stored zero value counts as cached. A producer error is returned as is
// and nothing is stored. Without WithSingleFlightWrap, concurrent calls for
// the same uncached key each run producer; with it they share one call,
// whose producer gets a ctx that no caller's cancellation reaches.
func (c *TTLCache[T]) WrapWithTTL(ctx context.Context, key string, producer func(context.Context) (T, error), ttl time.Duration) (T, error) {
	if c.Has(key) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
	}

	if c.cfg.singleFlight {
		return c.wrapShared(ctx, key, producer, ttl)
	}

	v, err := produce(ctx, producer)
	if err != nil {
		var zero T
		return zero, err
	}
	c.SetWithTTL(key, v, ttl)
	return v, nil
}

func (c *TTLCache[T]) wrapShared(ctx context.Context, key string, producer func(context.Context) (T, error), ttl time.Duration) (T, error) {
	var zero T

	// The flight outlives any one caller, so it keeps ctx's values but
	// not its cancellation; each caller still stops waiting on its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// Another flight may have filled the key since our Has check.
		if c.Has(key) {
			if v, ok := c.Get(key); ok {
				return v, nil
			}
		}
		v, err := produce(flightCtx, producer)
		if err != nil {
			return nil, err
		}
		c.SetWithTTL(key, v, ttl)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func produce[T any](ctx context.Context, producer func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrOperationPanicked, r)
		}
	}()
	return producer(ctx)
}

// Clear empties the cache and resets its counters.
func (c *TTLCache[T]) Clear() {
	c.mu.Lock()
	c.store = make(map[string]*cacheEntry[T])
	c.hits, c.misses, c.evictions = 0, 0, 0
	c.mu.Unlock()

	c.cfg.metrics.RecordCacheSize(c.cfg.name, 0)
}

// Len returns the number of stored entries, expired ones included until
// they are swept or looked up.
func (c *TTLCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// Stats returns current size and lookup statistics.
func (c *TTLCache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:      len(c.store),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// DeleteExpired removes every expired entry and returns how many were
// removed. The background sweep calls it on every tick.
func (c *TTLCache[T]) DeleteExpired() int {
	now := c.cfg.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.store {
		if e.expired(now) {
			delete(c.store, key)
			removed++
		}
	}
	if removed > 0 {
		c.cfg.metrics.RecordCacheExpired(c.cfg.name, removed)
		c.cfg.metrics.RecordCacheSize(c.cfg.name, len(c.store))
	}
	return removed
}

func (c *TTLCache[T]) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *TTLCache[T]) sweep() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("cache sweep failed", "cache", c.cfg.name, "panic", r)
		}
	}()

	if n := c.DeleteExpired(); n > 0 {
		c.logger.Debug("cache sweep removed expired entries", "cache", c.cfg.name, "removed", n)
	}
}

// Destroy stops the background sweep and empties the cache. It is safe to
// call more than once. The cache stays usable without a sweep.
func (c *TTLCache[T]) Destroy() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done

	c.mu.Lock()
	c.store = make(map[string]*cacheEntry[T])
	c.mu.Unlock()

	c.cfg.metrics.RecordCacheSize(c.cfg.name, 0)
}
