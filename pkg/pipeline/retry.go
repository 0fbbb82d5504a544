package pipeline

import (
	"math"
	"math/rand"
	"time"
)

// calculateBackoff applies the same min(initial*multiplier^attempts,
// max)±20%-jitter formula pkg/jobs uses for job retries, so both retry
// loops in this system behave identically to an operator reading logs.
func calculateBackoff(cfg RetryConfig, attempts int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	backoff := float64(cfg.InitialBackoffMs) * math.Pow(mult, float64(attempts))
	if cfg.MaxBackoffMs > 0 && backoff > float64(cfg.MaxBackoffMs) {
		backoff = float64(cfg.MaxBackoffMs)
	}
	jitter := backoff * (0.8 + 0.4*rand.Float64())
	return time.Duration(jitter) * time.Millisecond
}

// RetryConfig is the step-retry backoff shape dispatcher.go resolves from
// Step/Pipeline RetryPolicy.
type RetryConfig struct {
	InitialBackoffMs  int64
	MaxBackoffMs      int64
	BackoffMultiplier float64
}
