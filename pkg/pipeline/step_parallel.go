package pipeline

import (
	"context"
	"fmt"
	"sync"
)

type ParallelStepConfig struct {
	Steps          []string `json:"steps"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
	FailFast       bool     `json:"failFast,omitempty"`
}

// executeParallel runs cfg.Steps concurrently under a semaphore. With
// FailFast, the first failure cancels the remaining siblings via a child
// cancellation scope; otherwise every sibling runs to completion and
// failures are collected.
func executeParallel(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg ParallelStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Steps) == 0 {
		return map[string]interface{}{"results": []interface{}{}}, nil
	}

	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = len(cfg.Steps)
	}
	sem := make(chan struct{}, limit)

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		stepID string
		err    error
	}
	results := make([]outcome, len(cfg.Steps))

	var wg sync.WaitGroup
	var failOnce sync.Once
	var firstErr error

	for i, id := range cfg.Steps {
		i, id := i, id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			select {
			case <-childCtx.Done():
				results[i] = outcome{stepID: id, err: fmt.Errorf("aborted: sibling failed")}
				return
			default:
			}

			_, err := runDispatcher(childCtx, rs, []string{id}, rs.loopDepth())
			results[i] = outcome{stepID: id, err: err}
			if err != nil && cfg.FailFast {
				failOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()

	failed := make([]string, 0)
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r.stepID)
		}
	}

	if cfg.FailFast && firstErr != nil {
		return nil, fmt.Errorf("pipeline: parallel step failed fast: %w", firstErr)
	}
	if !cfg.FailFast && len(failed) > 0 {
		return map[string]interface{}{"failed": failed, "executedSteps": cfg.Steps}, fmt.Errorf("pipeline: %d of %d parallel steps failed", len(failed), len(cfg.Steps))
	}
	return map[string]interface{}{"executedSteps": cfg.Steps}, nil
}
