package jobs

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig mirrors the job-queue retry knobs of §6.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoffMs  int64
	MaxBackoffMs      int64
	BackoffMultiplier float64
}

// calculateBackoff returns min(initialBackoff * multiplier^attempts, maxBackoff),
// matching the teacher's exponential-backoff calculation with the spec's
// formula; jitter of ±20% is applied the way the teacher's scheduler does,
// to avoid synchronized retry storms.
func calculateBackoff(cfg RetryConfig, attempts int) time.Duration {
	backoff := float64(cfg.InitialBackoffMs) * math.Pow(cfg.BackoffMultiplier, float64(attempts))
	if backoff > float64(cfg.MaxBackoffMs) {
		backoff = float64(cfg.MaxBackoffMs)
	}
	jitter := backoff * (0.8 + 0.4*rand.Float64())
	return time.Duration(jitter) * time.Millisecond
}

// classifyRetryable implements §4.3 step 8's default retryability: true
// unless the error message contains "validation" or attempts have been
// exhausted. This is deliberately the string-substring check the spec
// flags as a smell in §9 (Open Questions) rather than a type-based
// taxonomy — SPEC_FULL's resolution keeps the behavior as specified.
func classifyRetryable(err error, attempts, maxAttempts int) bool {
	if attempts >= maxAttempts {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "validation") {
		return false
	}
	return true
}
