package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinZhao/shared"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SHARED_CACHE_MAX_SIZE", "50")
	t.Setenv("SHARED_CACHE_DEFAULT_TTL", "30s")
	t.Setenv("SHARED_DEDUP_KEEP_PENDING", "true")
	t.Setenv("SHARED_RETRY_STRATEGY", "decorrelated")
	t.Setenv("SHARED_LOGGING_LEVEL", "debug")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Cache.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
	assert.True(t, cfg.Dedup.KeepPending)
	assert.Equal(t, "decorrelated", cfg.Retry.Strategy)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "sharedkit.yaml", `
cache:
  name: api
  default_ttl: 2m
  max_size: 25
  single_flight: true
dedup:
  max_age: 30s
  auto_cleanup: false
retry:
  max_retries: 5
  budget_max: 10
  budget_window: 10s
metrics:
  enabled: true
  addr: ":9100"
`)

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFileUsed())

	assert.Equal(t, "api", cfg.Cache.Name)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 25, cfg.Cache.MaxSize)
	assert.True(t, cfg.Cache.SingleFlight)
	assert.Equal(t, shared.DefaultCacheCleanupInterval, cfg.Cache.CleanupInterval, "unset keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Dedup.MaxAge)
	assert.False(t, cfg.Dedup.AutoCleanup)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 10, cfg.Retry.BudgetMax)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadTOMLFile(t *testing.T) {
	path := writeFile(t, "sharedkit.toml", `
[logging]
level = "warn"
format = "json"
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeFile(t, "bad.yaml", `
cache:
  max_size: 0
retry:
  jitter: 2
logging:
  format: xml
`)
	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.max_size")
	assert.Contains(t, err.Error(), "retry.jitter")
	assert.Contains(t, err.Error(), "logging.format")
	assert.Equal(t, shared.ErrorTypeValidation, shared.ErrorCode(err))
}

func TestViperFlagBinding(t *testing.T) {
	loader := NewLoader("")
	loader.Viper().Set("cache.max_size", 7)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Cache.MaxSize)
}
