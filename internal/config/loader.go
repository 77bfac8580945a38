package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHARED_CACHE_MAX_SIZE.
const EnvPrefix = "SHARED"

// Loader reads configuration through viper.
type Loader struct {
	viper *viper.Viper
	file  string
}

// NewLoader returns a Loader. An empty file means "look for sharedkit.{toml,yaml,json}
// in the working directory and carry on without one".
func NewLoader(file string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("sharedkit")
		v.AddConfigPath(".")
	}

	l := &Loader{viper: v, file: file}
	l.setDefaults()
	return l
}

// Viper exposes the underlying instance so command flags can be bound to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}

// Load reads the file (if any), applies env overrides, and validates.
func (l *Loader) Load() (*Config, error) {
	if err := l.readConfigFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", l.viper.ConfigFileUsed(), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the file that was read, or "".
func (l *Loader) ConfigFileUsed() string {
	return l.viper.ConfigFileUsed()
}

func (l *Loader) readConfigFile() error {
	err := l.viper.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) && l.file == "" {
		return nil
	}
	return fmt.Errorf("failed to read config file %s: %w", l.file, err)
}

func (l *Loader) setDefaults() {
	d := DefaultConfig()
	v := l.viper

	v.SetDefault("cache.name", d.Cache.Name)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.single_flight", d.Cache.SingleFlight)

	v.SetDefault("dedup.name", d.Dedup.Name)
	v.SetDefault("dedup.max_age", d.Dedup.MaxAge)
	v.SetDefault("dedup.cleanup_interval", d.Dedup.CleanupInterval)
	v.SetDefault("dedup.auto_cleanup", d.Dedup.AutoCleanup)
	v.SetDefault("dedup.keep_pending", d.Dedup.KeepPending)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("retry.strategy", d.Retry.Strategy)
	v.SetDefault("retry.budget_max", d.Retry.BudgetMax)
	v.SetDefault("retry.budget_window", d.Retry.BudgetWindow)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.path", d.Metrics.Path)
}
