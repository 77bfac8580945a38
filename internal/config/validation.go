package config

import (
	"errors"
	"strings"

	"github.com/KevinZhao/shared"
)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	v := shared.NewValidator()

	merge(v, c.Cache.Validate())
	merge(v, c.Dedup.Validate())

	r := c.Retry
	v.Range("retry.max_retries", float64(r.MaxRetries), 0, 100).
		Check(r.InitialBackoff > 0, "retry.initial_backoff", "positive", "must be positive").
		Check(r.MaxBackoff >= r.InitialBackoff, "retry.max_backoff", "min", "must not be below initial_backoff").
		Check(r.Multiplier >= 1, "retry.multiplier", "min", "must be at least 1").
		Range("retry.jitter", r.Jitter, 0, 1).
		OneOf("retry.strategy", strings.ToLower(r.Strategy), "exponential", "exponential_jitter", "decorrelated", "decorrelated_jitter").
		Check(r.BudgetMax >= 0, "retry.budget_max", "non_negative", "must not be negative")
	if r.BudgetMax > 0 {
		v.Check(r.BudgetWindow > 0, "retry.budget_window", "positive", "must be positive when budget_max is set")
	}

	v.OneOf("logging.level", strings.ToLower(c.Logging.Level), "trace", "debug", "info", "warn", "warning", "error", "disabled").
		OneOf("logging.format", c.Logging.Format, "json", "console")

	if c.Metrics.Enabled {
		v.Required("metrics.addr", c.Metrics.Addr).
			Check(strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path", "pattern", "must start with /")
	}

	return v.Err()
}

func merge(v *shared.Validator, err error) {
	var fields shared.ValidationErrors
	if !errors.As(err, &fields) {
		return
	}
	for _, fe := range fields {
		v.Check(false, fe.Field, fe.Rule, fe.Message)
	}
}
