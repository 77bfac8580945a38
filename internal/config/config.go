// Package config loads sharedkit settings from defaults, an optional config
// file and SHARED_* environment variables.
package config

import (
	"io"
	"time"

	"github.com/KevinZhao/shared"
)

// Config is the root configuration.
type Config struct {
	Cache   shared.CacheConfig        `mapstructure:"cache"`
	Dedup   shared.DeduplicatorConfig `mapstructure:"dedup"`
	Retry   RetryConfig               `mapstructure:"retry"`
	Logging LoggingConfig             `mapstructure:"logging"`
	Metrics MetricsConfig             `mapstructure:"metrics"`
}

// RetryConfig describes the retry policy used for outbound calls.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Jitter         float64       `mapstructure:"jitter"`
	// Strategy is "exponential" or "decorrelated".
	Strategy string `mapstructure:"strategy"`
	// BudgetMax retries are allowed per BudgetWindow across all calls; 0 disables the budget.
	BudgetMax    int           `mapstructure:"budget_max"`
	BudgetWindow time.Duration `mapstructure:"budget_window"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: shared.CacheConfig{
			Name:            "sharedkit",
			DefaultTTL:      shared.DefaultCacheTTL,
			MaxSize:         shared.DefaultCacheMaxSize,
			CleanupInterval: shared.DefaultCacheCleanupInterval,
		},
		Dedup: shared.DeduplicatorConfig{
			Name:            "sharedkit",
			MaxAge:          shared.DefaultDedupMaxAge,
			CleanupInterval: shared.DefaultDedupCleanupInterval,
			AutoCleanup:     true,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.1,
			Strategy:       "exponential",
			BudgetWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// RetryPolicy builds the retry policy described by c.Retry.
func (c *Config) RetryPolicy() *shared.DefaultRetryPolicy {
	r := c.Retry
	policy := shared.NewDefaultRetryPolicyWithStrategy(
		r.MaxRetries, r.InitialBackoff, r.MaxBackoff, r.Multiplier, r.Jitter,
		shared.ParseBackoffStrategy(r.Strategy),
	)
	if r.BudgetMax > 0 {
		policy.WithBudget(shared.NewRetryBudget(r.BudgetMax, r.BudgetWindow))
	}
	return policy
}

// Logger builds a logger writing to out.
func (c *Config) Logger(namespace string, out io.Writer) *shared.NamespacedLogger {
	cfg := shared.DefaultLoggerConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	if out != nil {
		cfg.Output = out
	}
	return shared.NewLogger(namespace, cfg)
}
