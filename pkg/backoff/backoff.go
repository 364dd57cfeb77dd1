// Package backoff computes retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s

	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. Values
	// outside (0, 1] disable it.
	Jitter float64
}

func (c *Config) bounds() (initial, maxDelay time.Duration) {
	initial, maxDelay = 100*time.Millisecond, 5*time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxDelay = c.Max
		}
	}
	return initial, maxDelay
}

// Exponential returns the delay before retry number attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, and so on up to
// the maximum.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := cfg.bounds()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if cfg != nil && cfg.Jitter > 0 && cfg.Jitter <= 1 {
		d -= d * cfg.Jitter * rand.Float64()
	}
	return time.Duration(d)
}
