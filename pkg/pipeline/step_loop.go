package pipeline

import (
	"context"
	"fmt"
	"sync"
)

type LoopStepConfig struct {
	Mode           string   `json:"mode"` // for_each | while | until | times
	Items          string   `json:"items,omitempty"`          // context path for for_each
	Condition      string   `json:"condition,omitempty"`       // for while/until
	Count          int      `json:"count,omitempty"`           // for times
	Steps          []string `json:"steps"`
	MaxIterations  int      `json:"maxIterations"`
	Parallel       bool     `json:"parallel,omitempty"`
	ParallelLimit  int      `json:"parallelLimit,omitempty"`
	OutputVariable string   `json:"outputVariable,omitempty"`
	ItemVariable   string   `json:"itemVariable,omitempty"`
}

// executeLoop implements the four loop modes. It increments __loopDepth
// around the body so the dispatcher's "already executed" dedup is bypassed
// for repeated steps, and always decrements on exit including on error.
func executeLoop(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg LoopStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1000
	}
	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}

	depth := rs.loopDepth()
	rs.setLoopDepth(depth + 1)
	defer rs.setLoopDepth(depth)

	switch cfg.Mode {
	case "for_each":
		return loopForEach(ctx, rs, step, cfg, itemVar)
	case "times":
		return loopTimes(ctx, rs, step, cfg, itemVar)
	case "while":
		return loopConditional(ctx, rs, step, cfg, itemVar, true)
	case "until":
		return loopConditional(ctx, rs, step, cfg, itemVar, false)
	default:
		return nil, fmt.Errorf("pipeline: unknown loop mode %q", cfg.Mode)
	}
}

func loopForEach(ctx context.Context, rs *runState, step Step, cfg LoopStepConfig, itemVar string) (interface{}, error) {
	raw, ok := lookupPath(rs.contextSnapshot(), cfg.Items)
	if !ok {
		return nil, fmt.Errorf("pipeline: loop items path %q not found", cfg.Items)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("pipeline: loop items path %q is not an array", cfg.Items)
	}
	if len(items) > cfg.MaxIterations {
		items = items[:cfg.MaxIterations]
	}

	if cfg.Parallel {
		return loopForEachParallel(ctx, rs, step, cfg, itemVar, items)
	}

	outputs := make([]interface{}, 0, len(items))
	for i, item := range items {
		rs.setContext(itemVar, item)
		rs.setContext(itemVar+"Index", float64(i))
		out, err := runLoopBody(ctx, rs, cfg.Steps)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	if cfg.OutputVariable != "" {
		rs.setContext(cfg.OutputVariable, outputs)
	}
	return outputs, nil
}

// loopForEachParallel batches iterations under parallelLimit, using
// per-iteration scoped context keys (itemVar_<i>) instead of writing the
// shared item binding, so concurrent iterations never race on the same key.
func loopForEachParallel(ctx context.Context, rs *runState, step Step, cfg LoopStepConfig, itemVar string, items []interface{}) (interface{}, error) {
	limit := cfg.ParallelLimit
	if limit <= 0 {
		limit = len(items)
	}
	sem := make(chan struct{}, limit)
	outputs := make([]interface{}, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			scoped := fmt.Sprintf("%s_%d", itemVar, i)
			rs.setContext(scoped, item)
			out, err := runLoopBody(ctx, rs, cfg.Steps)
			outputs[i] = out
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if cfg.OutputVariable != "" {
		rs.setContext(cfg.OutputVariable, outputs)
	}
	return outputs, nil
}

func loopTimes(ctx context.Context, rs *runState, step Step, cfg LoopStepConfig, itemVar string) (interface{}, error) {
	n := cfg.Count
	if n > cfg.MaxIterations {
		n = cfg.MaxIterations
	}
	outputs := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		rs.setContext(itemVar+"Index", float64(i))
		out, err := runLoopBody(ctx, rs, cfg.Steps)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	if cfg.OutputVariable != "" {
		rs.setContext(cfg.OutputVariable, outputs)
	}
	return outputs, nil
}

func loopConditional(ctx context.Context, rs *runState, step Step, cfg LoopStepConfig, itemVar string, whileTrue bool) (interface{}, error) {
	outputs := make([]interface{}, 0)
	for i := 0; i < cfg.MaxIterations; i++ {
		cond := EvaluateCondition(cfg.Condition, rs.contextSnapshot())
		if whileTrue && !cond {
			break
		}
		if !whileTrue && cond {
			break
		}
		rs.setContext(itemVar+"Index", float64(i))
		out, err := runLoopBody(ctx, rs, cfg.Steps)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	if cfg.OutputVariable != "" {
		rs.setContext(cfg.OutputVariable, outputs)
	}
	return outputs, nil
}

// runLoopBody executes the loop body steps and returns the last step's
// output, the value collected per iteration into outputVariable. The
// output comes back directly from runDispatcher rather than a read of the
// shared run.Results map, so concurrent iterations under a parallel
// for_each never race on (and clobber) the same step-id key.
func runLoopBody(ctx context.Context, rs *runState, steps []string) (interface{}, error) {
	output, err := runDispatcher(ctx, rs, steps, rs.loopDepth())
	if err != nil {
		return nil, err
	}
	return output, nil
}
