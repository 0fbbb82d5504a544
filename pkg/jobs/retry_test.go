package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoff_CapsAtMaxBackoff(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoffMs:  1000,
		MaxBackoffMs:      5000,
		BackoffMultiplier: 10,
	}

	d := calculateBackoff(cfg, 5)

	if d > 6*time.Second {
		t.Errorf("expected backoff to stay near the cap, got %v", d)
	}
}

func TestCalculateBackoff_GrowsWithAttempts(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoffMs:  100,
		MaxBackoffMs:      100000,
		BackoffMultiplier: 2,
	}

	first := calculateBackoff(cfg, 0)
	later := calculateBackoff(cfg, 4)

	if later <= first {
		t.Errorf("expected backoff at higher attempt count to exceed the first, got first=%v later=%v", first, later)
	}
}

func TestClassifyRetryable_ExhaustedAttemptsIsTerminal(t *testing.T) {
	if classifyRetryable(errors.New("transient"), 3, 3) {
		t.Error("expected exhausted attempts to be non-retryable")
	}
}

func TestClassifyRetryable_ValidationErrorIsTerminal(t *testing.T) {
	if classifyRetryable(errors.New("input validation failed"), 0, 3) {
		t.Error("expected a validation error to be non-retryable regardless of attempts remaining")
	}
}

func TestClassifyRetryable_OtherwiseRetryable(t *testing.T) {
	if !classifyRetryable(errors.New("connection reset"), 0, 3) {
		t.Error("expected a transient error with attempts remaining to be retryable")
	}
}
