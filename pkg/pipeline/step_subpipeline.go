package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SubPipelineStepConfig struct {
	PipelineID          string      `json:"pipelineId"`
	Version             int         `json:"version,omitempty"`
	Inputs              interface{} `json:"inputs,omitempty"`
	WaitForCompletion   *bool       `json:"waitForCompletion,omitempty"`
	OutputVariable      string      `json:"outputVariable,omitempty"`
	TimeoutMs           int64       `json:"timeoutMs,omitempty"`
}

// executeSubPipeline launches a child run of cfg.PipelineID through the
// same Engine (recursion through C4, per §4.4.2). If WaitForCompletion is
// not explicitly false, it polls the child until terminal and fails the
// parent step if the child does.
func executeSubPipeline(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg SubPipelineStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}
	pipelineID, err := uuid.Parse(cfg.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: sub_pipeline invalid pipelineId: %w", err)
	}

	substitutedInputs := SubstituteDeep(cfg.Inputs, rs.contextSnapshot())
	params, _ := substitutedInputs.(map[string]interface{})

	child, err := rs.engine.RunPipeline(ctx, pipelineID, RunOptions{
		TriggeredBy: TriggeredBy{Type: "api", ID: rs.run.ID.String()},
		Params:      params,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: sub_pipeline launch failed: %w", err)
	}

	wait := cfg.WaitForCompletion == nil || *cfg.WaitForCompletion
	if !wait {
		out := map[string]interface{}{"runId": child.ID.String(), "status": string(child.Status)}
		if cfg.OutputVariable != "" {
			rs.setContext(cfg.OutputVariable, out)
		}
		return out, nil
	}

	timeout := 10 * time.Minute
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		current, err := rs.engine.store.GetRun(ctx, child.ID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: sub_pipeline poll failed: %w", err)
		}
		if isTerminalRun(current.Status) {
			out := map[string]interface{}{"runId": current.ID.String(), "status": string(current.Status), "context": map[string]interface{}(current.Context)}
			if cfg.OutputVariable != "" {
				rs.setContext(cfg.OutputVariable, out)
			}
			if current.Status != RunStatusCompleted {
				return out, fmt.Errorf("pipeline: sub_pipeline %s ended %s", current.ID, current.Status)
			}
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("pipeline: sub_pipeline %s timed out", child.ID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func isTerminalRun(s RunStatus) bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}
