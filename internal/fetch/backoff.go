package fetch

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls how the daemon spaces out retries after
// transient failures.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// DefaultBackoffConfig returns the retry schedule used when none is
// configured.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 30 * time.Second,
		MaxInterval:     15 * time.Minute,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// Delay returns the wait before retry number attempt (starting at 1).
// With jitter the delay is between half and all of the computed interval.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		attempt = 1
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + rand.N(d/2)
	}
	return d
}
