package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config for exponential backoff. A zero BaseDelay disables backoff.
type Config struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"` // Jitter factor (0.0 to 1.0)
}

// DefaultConfig returns the retry queue's default: every poll retries every job
func DefaultConfig() Config {
	return Config{
		BaseDelay:  0,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Enabled reports whether the config delays anything
func (c Config) Enabled() bool {
	return c.BaseDelay > 0
}

// Calculate computes the backoff delay after the given number of failed attempts
// Formula: min(base * multiplier^(attempt-1), maxDelay) ± jitter
func Calculate(cfg Config, attempt int) time.Duration {
	if attempt <= 0 || !cfg.Enabled() {
		return 0
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(cfg.BaseDelay) * math.Pow(multiplier, float64(attempt-1))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		jitterRange := delay * cfg.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// NextAttempt returns when a job that has failed attempt times may run
// again. The zero time means immediately.
func NextAttempt(cfg Config, attempt int, now time.Time) time.Time {
	d := Calculate(cfg, attempt)
	if d == 0 {
		return time.Time{}
	}
	return now.Add(d)
}
