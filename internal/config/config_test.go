package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinZhao/shared"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateCollectsAllSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.DefaultTTL = 0
	cfg.Dedup.MaxAge = 0
	cfg.Retry.Multiplier = 0.5
	cfg.Retry.MaxBackoff = time.Millisecond
	cfg.Retry.Strategy = "linear"
	cfg.Retry.BudgetMax = 5
	cfg.Retry.BudgetWindow = 0
	cfg.Logging.Level = "loud"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	cfg.Metrics.Path = "metrics"

	err := cfg.Validate()
	require.Error(t, err)

	var fields shared.ValidationErrors
	require.ErrorAs(t, err, &fields)
	for _, field := range []string{
		"cache.default_ttl",
		"dedup.max_age",
		"retry.multiplier",
		"retry.max_backoff",
		"retry.strategy",
		"retry.budget_window",
		"logging.level",
		"metrics.addr",
		"metrics.path",
	} {
		assert.NotEmpty(t, fields.Field(field), "expected an error for %s", field)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Strategy = "decorrelated"
	cfg.Retry.BudgetMax = 1

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxRetries())
	assert.Equal(t, shared.DecorrelatedJitter, policy.Strategy())

	_, first := policy.ShouldRetry(nil, assert.AnError, 0)
	_, second := policy.ShouldRetry(nil, assert.AnError, 1)
	assert.True(t, first)
	assert.False(t, second, "budget of one retry should be exhausted")
}

func TestLoggerFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "warn"

	var buf bytes.Buffer
	logger := cfg.Logger("sharedkit", &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"namespace":"sharedkit"`)
	assert.Equal(t, "sharedkit", logger.Name())
}
