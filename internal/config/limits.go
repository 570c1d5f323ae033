package config

import "fmt"

// Bounds on tunables that would otherwise starve or flood the pipeline.
const (
	MaxContextTokensCeiling = 2_000_000
	MaxWorkers              = 64
	MinCharsPerToken        = 1.0
)

// ValidateLimits checks that context and batch settings are within acceptable ranges.
func (c *Config) ValidateLimits() error {
	if c.Context.MaxContextTokens > MaxContextTokensCeiling {
		return fmt.Errorf("context.max_context_tokens must be <= %d", MaxContextTokensCeiling)
	}
	if c.Context.CharsPerToken != 0 && c.Context.CharsPerToken < MinCharsPerToken {
		return fmt.Errorf("context.chars_per_token must be >= %.1f", MinCharsPerToken)
	}
	if c.Context.EstimateWorkers < 0 || c.Context.EstimateWorkers > MaxWorkers {
		return fmt.Errorf("context.estimate_workers must be between 0 and %d", MaxWorkers)
	}
	if c.Batch.WriteWorkers < 0 || c.Batch.WriteWorkers > MaxWorkers {
		return fmt.Errorf("batch.write_workers must be between 0 and %d", MaxWorkers)
	}
	if c.Batch.NamePattern != "" && fmt.Sprintf(c.Batch.NamePattern, 1) == c.Batch.NamePattern {
		return fmt.Errorf("batch.name_pattern %q must contain a number verb such as %%02d", c.Batch.NamePattern)
	}
	return nil
}

// EnforceLimits returns the effective worker counts, with zero meaning one.
func (c *Config) EnforceLimits() map[string]int {
	workers := func(n int) int {
		if n <= 0 {
			return 1
		}
		return n
	}
	return map[string]int{
		"estimate_workers": workers(c.Context.EstimateWorkers),
		"write_workers":    workers(c.Batch.WriteWorkers),
	}
}
