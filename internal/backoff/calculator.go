package backoff

import "time"

// Calculator binds a Strategy to fixed Params.
type Calculator struct {
	strategy Strategy
	params   Params
}

// NewCalculator returns a Calculator. A nil strategy means Exponential.
func NewCalculator(strategy Strategy, params Params) *Calculator {
	if strategy == nil {
		strategy = Exponential{}
	}
	return &Calculator{strategy: strategy, params: params}
}

// Delay returns the wait before retry number attempt+1.
func (c *Calculator) Delay(attempt int) time.Duration {
	return c.strategy.Delay(attempt, c.params)
}

// Strategy returns the configured strategy.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// Params returns the configured curve parameters.
func (c *Calculator) Params() Params {
	return c.params
}
