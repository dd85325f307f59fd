package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculate(t *testing.T) {
	cfg := Config{
		BaseDelay:  10 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0, // No jitter for predictable tests
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 0},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{6, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Calculate(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDefaultIsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled())
	assert.Zero(t, Calculate(cfg, 3))
	assert.True(t, NextAttempt(cfg, 3, time.Now()).IsZero())
}

func TestCalculateWithJitter(t *testing.T) {
	cfg := Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}

	expected := 400 * time.Millisecond
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		r := Calculate(cfg, 3)
		seen[r] = true
		assert.GreaterOrEqual(t, float64(r), float64(expected)*0.9)
		assert.LessOrEqual(t, float64(r), float64(expected)*1.1)
	}
	assert.Greater(t, len(seen), 1, "results should vary due to jitter")
}

func TestNextAttempt(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, Multiplier: 2}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(4*time.Second), NextAttempt(cfg, 3, now))
}
