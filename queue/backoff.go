package queue

import (
	"math"
	"time"
)

// retryDelay is the wait before flush retry number attempt (1-based).
func retryDelay(cfg Config, attempt int) time.Duration {
	if attempt <= 1 {
		return cfg.RetryInitial
	}
	if cfg.RetryInitial <= 0 {
		return 0
	}
	mult := cfg.RetryMultiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.RetryInitial) * math.Pow(mult, float64(attempt-1))
	if cfg.RetryMax > 0 && delay > float64(cfg.RetryMax) {
		delay = float64(cfg.RetryMax)
	}
	return time.Duration(delay)
}
