package pipeline

import (
	"context"
	"fmt"
	"time"
)

type WaitStepConfig struct {
	DurationMs int64  `json:"durationMs,omitempty"`
	Until      string `json:"until,omitempty"` // ISO-8601, variable-substituted
	Webhook    string `json:"webhook,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// executeWait sleeps for a fixed duration, until an absolute timestamp, or
// (timeout-only, per §9's open question on the webhook release mechanism)
// until timeoutMs elapses for a webhook-mode wait.
func executeWait(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg WaitStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}

	var d time.Duration
	switch {
	case cfg.DurationMs > 0:
		d = time.Duration(cfg.DurationMs) * time.Millisecond
	case cfg.Until != "":
		target, err := time.Parse(time.RFC3339, Substitute(cfg.Until, rs.contextSnapshot()))
		if err != nil {
			return nil, fmt.Errorf("pipeline: wait until: %w", err)
		}
		d = time.Until(target)
	case cfg.Webhook != "":
		if cfg.TimeoutMs <= 0 {
			return nil, fmt.Errorf("pipeline: webhook wait requires timeoutMs")
		}
		d = time.Duration(cfg.TimeoutMs) * time.Millisecond
	default:
		return nil, fmt.Errorf("pipeline: wait step has no durationMs, until, or webhook")
	}

	if cfg.TimeoutMs > 0 {
		ceiling := time.Duration(cfg.TimeoutMs) * time.Millisecond
		if d > ceiling {
			d = ceiling
		}
	}
	if d <= 0 {
		return map[string]interface{}{"waited": true}, nil
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("cancelled: %w", ctx.Err())
	case <-time.After(d):
		return map[string]interface{}{"waited": true, "durationMs": d.Milliseconds()}, nil
	}
}
