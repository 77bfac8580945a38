package shared

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache[T any](t *testing.T, opts ...CacheOption) (*TTLCache[T], *manualClock) {
	t.Helper()
	clk := newManualClock()
	opts = append([]CacheOption{WithCleanupInterval(0), WithCacheClock(clk)}, opts...)
	c := NewTTLCache[T](opts...)
	t.Cleanup(c.Destroy)
	return c, clk
}

func TestNewTTLCacheDefaults(t *testing.T) {
	c := NewTTLCache[string]()
	defer c.Destroy()

	if c.cfg.defaultTTL != DefaultCacheTTL {
		t.Errorf("Expected default TTL %v, got %v", DefaultCacheTTL, c.cfg.defaultTTL)
	}
	if c.cfg.maxSize != DefaultCacheMaxSize {
		t.Errorf("Expected max size %d, got %d", DefaultCacheMaxSize, c.cfg.maxSize)
	}
	if c.cfg.cleanupInterval != DefaultCacheCleanupInterval {
		t.Errorf("Expected cleanup interval %v, got %v", DefaultCacheCleanupInterval, c.cfg.cleanupInterval)
	}
	if c.cfg.singleFlight {
		t.Error("Expected single-flight wrap to be off by default")
	}
}

func TestTTLCacheGetSet(t *testing.T) {
	c, _ := newTestCache[string](t)

	if _, found := c.Get("missing"); found {
		t.Error("Expected false for non-existent key")
	}

	c.Set("key", "value")
	v, found := c.Get("key")
	if !found {
		t.Fatal("Expected true for existing key")
	}
	if v != "value" {
		t.Errorf("Expected 'value', got %q", v)
	}

	c.Set("key", "updated")
	if v, _ := c.Get("key"); v != "updated" {
		t.Errorf("Expected overwrite to win, got %q", v)
	}
}

func TestTTLCacheStoresZeroValue(t *testing.T) {
	c, _ := newTestCache[int](t)

	c.Set("zero", 0)
	v, found := c.Get("zero")
	if !found || v != 0 {
		t.Errorf("Expected stored zero value to be found, got (%d, %v)", v, found)
	}
	if !c.Has("zero") {
		t.Error("Expected Has to report the zero value")
	}
}

func TestTTLCacheExpiration(t *testing.T) {
	c, clk := newTestCache[string](t)

	c.SetWithTTL("key", "value", time.Second)

	clk.Advance(time.Second)
	if _, found := c.Get("key"); !found {
		t.Error("Expected entry to be live at exactly its expiry instant")
	}

	clk.Advance(time.Nanosecond)
	if _, found := c.Get("key"); found {
		t.Error("Expected expired entry to not be found")
	}
	if c.Len() != 0 {
		t.Errorf("Expected expired entry to be removed on read, Len=%d", c.Len())
	}
}

func TestTTLCacheDefaultTTL(t *testing.T) {
	c, clk := newTestCache[string](t, WithDefaultTTL(time.Minute))

	c.Set("a", "1")
	c.SetWithTTL("b", "2", 0)
	c.SetWithTTL("c", "3", -time.Second)

	clk.Advance(59 * time.Second)
	for _, k := range []string{"a", "b", "c"} {
		if !c.Has(k) {
			t.Errorf("Expected %q to use the default TTL", k)
		}
	}

	clk.Advance(2 * time.Second)
	for _, k := range []string{"a", "b", "c"} {
		if c.Has(k) {
			t.Errorf("Expected %q to expire after the default TTL", k)
		}
	}
}

func TestTTLCacheHasDoesNotCount(t *testing.T) {
	c, clk := newTestCache[string](t)

	c.SetWithTTL("key", "value", time.Second)
	c.Has("key")
	c.Has("missing")

	stats := c.Stats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Expected Has to leave counters alone, got hits=%d misses=%d", stats.Hits, stats.Misses)
	}

	clk.Advance(2 * time.Second)
	if c.Has("key") {
		t.Error("Expected Has to report expired entry as absent")
	}
	if c.Len() != 0 {
		t.Error("Expected Has to remove expired entry")
	}
}

func TestTTLCacheEvictsOldestCreated(t *testing.T) {
	var evicted []string
	c, clk := newTestCache[string](t,
		WithMaxSize(2),
		WithOnEvict(func(key string) { evicted = append(evicted, key) }),
	)

	c.Set("a", "1")
	clk.Advance(time.Millisecond)
	c.Set("b", "2")
	clk.Advance(time.Millisecond)

	// Reads do not refresh position.
	c.Get("a")
	c.Set("c", "3")

	if c.Has("a") {
		t.Error("Expected oldest entry 'a' to be evicted")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Error("Expected 'b' and 'c' to remain")
	}
	if c.Len() != 2 {
		t.Errorf("Expected size 2, got %d", c.Len())
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", stats.Evictions)
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("Expected eviction callback for 'a', got %v", evicted)
	}
}

func TestTTLCacheEvictionTieBreaksByInsertOrder(t *testing.T) {
	c, _ := newTestCache[string](t, WithMaxSize(3))

	// Frozen clock: all entries share createdAt.
	c.Set("first", "1")
	c.Set("second", "2")
	c.Set("third", "3")
	c.Set("fourth", "4")

	if c.Has("first") {
		t.Error("Expected the first inserted entry to be evicted on a tie")
	}
	for _, k := range []string{"second", "third", "fourth"} {
		if !c.Has(k) {
			t.Errorf("Expected %q to remain", k)
		}
	}
}

func TestTTLCacheOverwriteAtCapacityDoesNotEvict(t *testing.T) {
	c, clk := newTestCache[string](t, WithMaxSize(2))

	c.Set("a", "1")
	clk.Advance(time.Millisecond)
	c.Set("b", "2")
	c.Set("a", "updated")

	if c.Len() != 2 {
		t.Errorf("Expected size 2, got %d", c.Len())
	}
	if c.Stats().Evictions != 0 {
		t.Error("Expected no eviction when overwriting")
	}

	// Overwrite refreshes createdAt, so 'b' is now the oldest.
	clk.Advance(time.Millisecond)
	c.Set("c", "3")
	if c.Has("b") {
		t.Error("Expected 'b' to be evicted after 'a' was rewritten")
	}
}

func TestTTLCacheInvalidate(t *testing.T) {
	c, _ := newTestCache[string](t)
	c.Set("key", "value")

	if !c.Invalidate("key") {
		t.Error("Expected Invalidate to report removal")
	}
	if c.Invalidate("key") {
		t.Error("Expected second Invalidate to report absence")
	}
}

func TestTTLCacheInvalidatePattern(t *testing.T) {
	c, _ := newTestCache[string](t)
	c.Set("user:1", "a")
	c.Set("user:2", "b")
	c.Set("order:1", "c")

	removed := c.InvalidatePattern(regexp.MustCompile(`^user:`))
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if !c.Has("order:1") {
		t.Error("Expected non-matching key to remain")
	}
	if n := c.InvalidatePattern(nil); n != 0 {
		t.Errorf("Expected nil pattern to remove nothing, got %d", n)
	}
	if n := c.InvalidatePattern(regexp.MustCompile(`nomatch`)); n != 0 {
		t.Errorf("Expected 0 removed, got %d", n)
	}
}

func TestTTLCacheInvalidatePrefix(t *testing.T) {
	c, _ := newTestCache[string](t)
	c.Set("GET:/a", "1")
	c.Set("GET:/b", "2")
	c.Set("POST:/a", "3")

	assert.Equal(t, 2, c.InvalidatePrefix("GET:"))
	assert.True(t, c.Has("POST:/a"))
	assert.Equal(t, 1, c.InvalidatePrefix(""))
	assert.Equal(t, 0, c.Len())
}

func TestTTLCacheWrap(t *testing.T) {
	c, _ := newTestCache[string](t)
	ctx := context.Background()

	calls := 0
	producer := func(context.Context) (string, error) {
		calls++
		return "produced", nil
	}

	v, err := c.Wrap(ctx, "key", producer)
	require.NoError(t, err)
	assert.Equal(t, "produced", v)

	v, err = c.Wrap(ctx, "key", producer)
	require.NoError(t, err)
	assert.Equal(t, "produced", v)
	assert.Equal(t, 1, calls, "producer should run once")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses, "a Wrap miss goes through Has and is not counted")
}

func TestTTLCacheWrapCachesZeroValue(t *testing.T) {
	c, _ := newTestCache[string](t)
	ctx := context.Background()

	calls := 0
	producer := func(context.Context) (string, error) {
		calls++
		return "", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Wrap(ctx, "empty", producer)
		require.NoError(t, err)
		assert.Equal(t, "", v)
	}
	assert.Equal(t, 1, calls)
}

func TestTTLCacheWrapDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache[string](t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := c.Wrap(ctx, "key", func(context.Context) (string, error) {
		return "", boom
	})
	assert.Same(t, boom, err, "producer error must be returned unwrapped")
	assert.False(t, c.Has("key"))

	v, err := c.Wrap(ctx, "key", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestTTLCacheWrapWithTTL(t *testing.T) {
	c, clk := newTestCache[string](t)
	ctx := context.Background()

	_, err := c.WrapWithTTL(ctx, "key", func(context.Context) (string, error) {
		return "v1", nil
	}, time.Second)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	v, err := c.WrapWithTTL(ctx, "key", func(context.Context) (string, error) {
		return "v2", nil
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v2", v, "expired entry should be produced again")
}

func TestTTLCacheWrapRecoversPanic(t *testing.T) {
	c, _ := newTestCache[string](t)

	_, err := c.Wrap(context.Background(), "key", func(context.Context) (string, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationPanicked)
	assert.False(t, c.Has("key"))
}

func TestTTLCacheSingleFlightWrap(t *testing.T) {
	c, _ := newTestCache[string](t, WithSingleFlightWrap())
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	producer := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Wrap(ctx, "key", producer)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestTTLCacheSingleFlightWrapHonoursContext(t *testing.T) {
	c, _ := newTestCache[string](t, WithSingleFlightWrap())

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Wrap(ctx, "key", func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTTLCacheSingleFlightWrapSurvivesOwnerCancel(t *testing.T) {
	c, _ := newTestCache[string](t, WithSingleFlightWrap())

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	producer := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
			return "value", nil
		}
	}

	ownerCtx, cancel := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, err := c.Wrap(ownerCtx, "key", producer)
		ownerErr <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		v, err := c.Wrap(context.Background(), "key", producer)
		waiter <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-ownerErr, context.Canceled)

	close(release)
	res := <-waiter
	require.NoError(t, res.err)
	assert.Equal(t, "value", res.v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	v, ok := c.Get("key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestTTLCacheConcurrentWrapWithoutSingleFlight(t *testing.T) {
	c, _ := newTestCache[int](t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Wrap(ctx, "key", func(context.Context) (int, error) {
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("Wrap = (%d, %v), want (42, nil)", v, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.Len())
}

func TestTTLCacheStats(t *testing.T) {
	c, _ := newTestCache[string](t)

	stats := c.Stats()
	if stats.HitRate != 0 {
		t.Errorf("Expected hit rate 0 with no lookups, got %f", stats.HitRate)
	}

	c.Set("key", "value")
	c.Get("key")
	c.Get("key")
	c.Get("key")
	c.Get("missing")

	stats = c.Stats()
	if stats.Size != 1 {
		t.Errorf("Expected size 1, got %d", stats.Size)
	}
	if stats.Hits != 3 || stats.Misses != 1 {
		t.Errorf("Expected 3 hits and 1 miss, got %d/%d", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.75 {
		t.Errorf("Expected hit rate 0.75, got %f", stats.HitRate)
	}
}

func TestTTLCacheExpiredLookupCountsAsMiss(t *testing.T) {
	c, clk := newTestCache[string](t)
	c.SetWithTTL("key", "value", time.Second)
	clk.Advance(2 * time.Second)

	c.Get("key")
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("Expected expired lookup to count as a miss, got %d", stats.Misses)
	}
}

func TestTTLCacheClear(t *testing.T) {
	c, _ := newTestCache[string](t, WithMaxSize(1))
	c.Set("a", "1")
	c.Set("b", "2")
	c.Get("b")
	c.Get("a")

	c.Clear()

	stats := c.Stats()
	if stats != (CacheStats{}) {
		t.Errorf("Expected zeroed stats after Clear, got %+v", stats)
	}
}

func TestTTLCacheDeleteExpired(t *testing.T) {
	c, clk := newTestCache[string](t)
	c.SetWithTTL("short", "1", time.Second)
	c.SetWithTTL("long", "2", time.Hour)

	if n := c.DeleteExpired(); n != 0 {
		t.Errorf("Expected nothing to expire yet, got %d", n)
	}

	clk.Advance(time.Minute)
	if n := c.DeleteExpired(); n != 1 {
		t.Errorf("Expected 1 expired entry removed, got %d", n)
	}
	if c.Len() != 1 || !c.Has("long") {
		t.Error("Expected only the long-lived entry to remain")
	}
}

func TestTTLCacheBackgroundSweep(t *testing.T) {
	c := NewTTLCache[string](WithCleanupInterval(5 * time.Millisecond))
	defer c.Destroy()

	c.SetWithTTL("key", "value", 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 5*time.Millisecond, "sweep should reclaim the unread expired entry")
}

func TestTTLCacheDestroy(t *testing.T) {
	c := NewTTLCache[string](WithCleanupInterval(time.Millisecond))
	c.Set("key", "value")
	c.Get("key")

	c.Destroy()
	c.Destroy()

	if c.Len() != 0 {
		t.Errorf("Expected empty cache after Destroy, got %d", c.Len())
	}
	if c.Stats().Hits != 1 {
		t.Error("Expected Destroy to keep counters")
	}

	c.Set("again", "v")
	if v, ok := c.Get("again"); !ok || v != "v" {
		t.Error("Expected cache to remain usable after Destroy")
	}
}

func TestTTLCacheConcurrentAccess(t *testing.T) {
	c := NewTTLCache[int](WithMaxSize(50), WithCleanupInterval(time.Millisecond))
	defer c.Destroy()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := strconv.Itoa((g*200 + i) % 100)
				c.SetWithTTL(key, i, time.Millisecond*time.Duration(1+i%5))
				c.Get(key)
				c.Has(key)
				if i%50 == 0 {
					c.InvalidatePrefix("1")
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Expected size bound to hold, got %d", c.Len())
	}
}

func BenchmarkTTLCacheGet(b *testing.B) {
	c := NewTTLCache[string](WithCleanupInterval(0))
	defer c.Destroy()
	c.Set("key", "value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get("key")
	}
}

func BenchmarkTTLCacheSet(b *testing.B) {
	c := NewTTLCache[int](WithCleanupInterval(0), WithMaxSize(1000))
	defer c.Destroy()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(strconv.Itoa(i%2000), i)
	}
}
