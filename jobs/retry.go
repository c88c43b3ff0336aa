package jobs

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how retry delays grow between attempts.
type Strategy string

const (
	// StrategyConstant applies the base delay before every retry.
	StrategyConstant Strategy = "constant"
	// StrategyLinear grows the delay linearly: base * (retryCount + 1).
	StrategyLinear Strategy = "linear"
	// StrategyExponential doubles the delay per retry: base * 2^retryCount.
	StrategyExponential Strategy = "exponential"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyConstant, StrategyLinear, StrategyExponential:
		return true
	}
	return false
}

// RetryPolicy describes when and how long to wait before re-enqueuing a
// failed job. It is immutable per-process configuration.
type RetryPolicy struct {
	// Enabled turns retrying on. When false, every failure is terminal.
	Enabled bool `yaml:"enabled"`

	// MaxRetries is the default retry budget for dispatched jobs.
	MaxRetries int `yaml:"max_retries"`

	// Strategy selects the backoff curve.
	Strategy Strategy `yaml:"strategy"`

	// BaseDelay is the pre-jitter delay for the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the pre-jitter delay. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MinJitter and MaxJitter bound the multiplicative jitter factor drawn
	// uniformly per delay. Typical range is [-0.2, 0.2].
	MinJitter float64 `yaml:"min_jitter"`
	MaxJitter float64 `yaml:"max_jitter"`
}

// DefaultRetryPolicy returns the production defaults: exponential backoff
// from 5s capped at 5m with up to +20% jitter, three retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:    true,
		MaxRetries: 3,
		Strategy:   StrategyExponential,
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
		MinJitter:  0,
		MaxJitter:  0.2,
	}
}

// Validate checks the policy for configuration errors.
func (p RetryPolicy) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry: max_retries must be non-negative")
	}
	if !p.Strategy.Valid() {
		return fmt.Errorf("retry: unknown strategy %q", p.Strategy)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry: base_delay must be non-negative")
	}
	if p.MinJitter > p.MaxJitter {
		return fmt.Errorf("retry: min_jitter must not exceed max_jitter")
	}
	return nil
}

// NextDelay computes the jittered delay to apply before the next retry.
// retryCount is zero-based: the delay preceding the first retry uses
// retryCount=0. Returns 0 when the policy is disabled. The result is never
// negative.
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	if !p.Enabled {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := float64(p.BaseDelay)
	switch p.Strategy {
	case StrategyLinear:
		delay *= float64(retryCount + 1)
	case StrategyExponential:
		delay *= math.Pow(2, float64(retryCount))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.MinJitter != 0 || p.MaxJitter != 0 {
		f := p.MinJitter + rand.Float64()*(p.MaxJitter-p.MinJitter)
		delay = math.Round(delay * (1 + f))
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a failed attempt may be retried: the policy is
// enabled, the retry budget is not consumed, and the handler signaled a
// transient failure. retryCount == maxRetries means the budget is spent.
func (p RetryPolicy) ShouldRetry(retryCount, maxRetries int, handlerSignaledRetry bool) bool {
	return p.Enabled && retryCount < maxRetries && handlerSignaledRetry
}
