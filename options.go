package shared

import (
	"time"
)

type cacheConfig struct {
	defaultTTL      time.Duration
	maxSize         int
	cleanupInterval time.Duration
	singleFlight    bool
	name            string
	clock           Clock
	logger          Logger
	metrics         *MetricsCollector
	onEvict         func(key string)
}

func defaultCacheConfig() cacheConfig {
	return cacheConfig{
		defaultTTL:      DefaultCacheTTL,
		maxSize:         DefaultCacheMaxSize,
		cleanupInterval: DefaultCacheCleanupInterval,
		name:            "default",
		clock:           realClock{},
	}
}

// CacheOption configures a TTLCache.
type CacheOption func(*cacheConfig)

// WithDefaultTTL sets the TTL used when none is given. Non-positive values are ignored.
func WithDefaultTTL(d time.Duration) CacheOption {
	return func(c *cacheConfig) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithMaxSize sets the maximum number of entries. Non-positive values are ignored.
func WithMaxSize(n int) CacheOption {
	return func(c *cacheConfig) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithCleanupInterval sets the background sweep period. d <= 0 disables
// the sweep; lazy expiry on read still applies.
func WithCleanupInterval(d time.Duration) CacheOption {
	return func(c *cacheConfig) {
		c.cleanupInterval = d
	}
}

// WithSingleFlightWrap makes concurrent Wrap calls for an uncached key
// share one producer call. A caller that cancels stops waiting but does not
// cancel the shared producer.
func WithSingleFlightWrap() CacheOption {
	return func(c *cacheConfig) {
		c.singleFlight = true
	}
}

// WithCacheName labels metrics and log records.
func WithCacheName(name string) CacheOption {
	return func(c *cacheConfig) {
		if name != "" {
			c.name = name
		}
	}
}

// WithCacheClock sets a custom clock for time operations.
func WithCacheClock(clk Clock) CacheOption {
	return func(c *cacheConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithCacheLogger sets the logger for sweep and eviction records.
func WithCacheLogger(l Logger) CacheOption {
	return func(c *cacheConfig) {
		c.logger = loggerOrNop(l)
	}
}

// WithCacheMetrics attaches a Prometheus collector.
func WithCacheMetrics(mc *MetricsCollector) CacheOption {
	return func(c *cacheConfig) {
		c.metrics = mc
	}
}

// WithOnEvict sets a callback invoked when an entry is evicted to make room.
// It runs with the cache lock held and must not call back into the cache.
func WithOnEvict(fn func(key string)) CacheOption {
	return func(c *cacheConfig) {
		c.onEvict = fn
	}
}

// CacheConfig is the declarative form of the cache options, as loaded from
// configuration files.
type CacheConfig struct {
	Name            string        `mapstructure:"name"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	MaxSize         int           `mapstructure:"max_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	SingleFlight    bool          `mapstructure:"single_flight"`
}

// Validate checks the configuration values.
func (c CacheConfig) Validate() error {
	return NewValidator().
		Check(c.DefaultTTL > 0, "cache.default_ttl", "positive", "must be positive").
		Check(c.DefaultTTL <= 24*time.Hour, "cache.default_ttl", "max", "must not exceed 24h").
		Check(c.MaxSize > 0, "cache.max_size", "positive", "must be positive").
		Check(c.CleanupInterval >= 0, "cache.cleanup_interval", "non_negative", "must not be negative").
		Err()
}

// Options converts the configuration into CacheOptions.
func (c CacheConfig) Options() []CacheOption {
	opts := []CacheOption{
		WithCacheName(c.Name),
		WithDefaultTTL(c.DefaultTTL),
		WithMaxSize(c.MaxSize),
		WithCleanupInterval(c.CleanupInterval),
	}
	if c.SingleFlight {
		opts = append(opts, WithSingleFlightWrap())
	}
	return opts
}

// DeduplicatorOption configures a RequestDeduplicator.
type DeduplicatorOption func(*RequestDeduplicator)

// WithDeduplicatorName labels metrics and log records.
func WithDeduplicatorName(name string) DeduplicatorOption {
	return func(d *RequestDeduplicator) {
		if name != "" {
			d.name = name
		}
	}
}

// WithDeduplicatorClock sets a custom clock for cool-down bookkeeping.
func WithDeduplicatorClock(clk Clock) DeduplicatorOption {
	return func(d *RequestDeduplicator) {
		if clk != nil {
			d.clock = clk
		}
	}
}

// WithDeduplicatorLogger sets the logger.
func WithDeduplicatorLogger(l Logger) DeduplicatorOption {
	return func(d *RequestDeduplicator) {
		d.logger = loggerOrNop(l)
	}
}

// WithDeduplicatorMetrics attaches a Prometheus collector.
func WithDeduplicatorMetrics(mc *MetricsCollector) DeduplicatorOption {
	return func(d *RequestDeduplicator) {
		d.metrics = mc
	}
}

// WithPendingCleanupPolicy selects what Cleanup does with in-flight entries.
func WithPendingCleanupPolicy(p PendingCleanupPolicy) DeduplicatorOption {
	return func(d *RequestDeduplicator) {
		d.pendingPolicy = p
	}
}

// WithCleanupMaxAge sets the max age used by Cleanup(0) and auto cleanup.
// Non-positive values are ignored.
func WithCleanupMaxAge(maxAge time.Duration) DeduplicatorOption {
	return func(d *RequestDeduplicator) {
		if maxAge > 0 {
			d.defaultMaxAge = maxAge
		}
	}
}

// DeduplicatorConfig is the declarative form of the deduplicator options.
type DeduplicatorConfig struct {
	Name            string        `mapstructure:"name"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	AutoCleanup     bool          `mapstructure:"auto_cleanup"`
	KeepPending     bool          `mapstructure:"keep_pending"`
}

// Validate checks the configuration values.
func (c DeduplicatorConfig) Validate() error {
	v := NewValidator().
		Check(c.MaxAge > 0, "dedup.max_age", "positive", "must be positive")
	if c.AutoCleanup {
		v.Check(c.CleanupInterval > 0, "dedup.cleanup_interval", "positive", "must be positive when auto_cleanup is enabled")
	}
	return v.Err()
}

// Options converts the configuration into DeduplicatorOptions.
func (c DeduplicatorConfig) Options() []DeduplicatorOption {
	policy := ForgetPendingOnCleanup
	if c.KeepPending {
		policy = KeepPendingOnCleanup
	}
	return []DeduplicatorOption{
		WithDeduplicatorName(c.Name),
		WithCleanupMaxAge(c.MaxAge),
		WithPendingCleanupPolicy(policy),
	}
}
