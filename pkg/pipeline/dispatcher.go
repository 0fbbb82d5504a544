package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"skeenode/pkg/logger"
	"skeenode/pkg/metrics"
)

// runState is the mutable state threaded through one dispatcher pass. It is
// reconstructed (not recreated) across pause/resume so executedStepIds is
// honoured.
type runState struct {
	engine   *Engine
	pipeline *Pipeline
	run      *PipelineRun
	steps    map[string]Step
	token    *cancelToken
	mu       chan struct{} // 1-buffered mutex guarding run.Context/ExecutedStepIDs
}

func newRunState(engine *Engine, pipeline *Pipeline, run *PipelineRun, token *cancelToken) *runState {
	steps := make(map[string]Step, len(run.Steps))
	for _, st := range run.Steps {
		steps[st.ID] = st
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &runState{engine: engine, pipeline: pipeline, run: run, steps: steps, token: token, mu: mu}
}

func (rs *runState) lock()   { <-rs.mu }
func (rs *runState) unlock() { rs.mu <- struct{}{} }

func (rs *runState) hasExecuted(id string) bool {
	rs.lock()
	defer rs.unlock()
	for _, e := range rs.run.ExecutedStepIDs {
		if e == id {
			return true
		}
	}
	return false
}

func (rs *runState) markExecuted(id string) {
	rs.lock()
	defer rs.unlock()
	rs.run.ExecutedStepIDs = append(rs.run.ExecutedStepIDs, id)
}

func (rs *runState) setResult(result StepResult) {
	rs.lock()
	defer rs.unlock()
	if rs.run.Results == nil {
		rs.run.Results = StepResultMap{}
	}
	rs.run.Results[result.StepID] = result
}

func (rs *runState) contextSnapshot() map[string]interface{} {
	rs.lock()
	defer rs.unlock()
	snap := make(map[string]interface{}, len(rs.run.Context))
	for k, v := range rs.run.Context {
		snap[k] = v
	}
	return snap
}

func (rs *runState) setContext(key string, value interface{}) {
	rs.lock()
	defer rs.unlock()
	if rs.run.Context == nil {
		rs.run.Context = JSONMap{}
	}
	rs.run.Context[key] = value
}

// orderedStepIDs returns step ids in the order they appear in the run's
// step list (dependency order is enforced by runStep's unmet-dependency
// check, not by sorting here — this mirrors §4.4.2's dispatcher, which
// walks the literal step order and rejects steps whose deps aren't
// satisfied yet).
func (rs *runState) orderedStepIDs() []string {
	ids := make([]string, len(rs.run.Steps))
	for i, st := range rs.run.Steps {
		ids[i] = st.ID
	}
	return ids
}

// runDispatcher executes rs.run.Steps top-level, honouring executedStepIds
// already present (so resume skips completed work). It returns the last
// step's output (the value a loop body's caller needs, without having to
// read it back out of the shared Results map — see runLoopBody) and the
// first error from a non-continueOnFailure step, or nil on full completion.
func runDispatcher(ctx context.Context, rs *runState, stepIDs []string, loopDepth int) (interface{}, error) {
	var lastOutput interface{}
	for _, id := range stepIDs {
		if cancelled, reason, _ := rs.token.status(); cancelled {
			return nil, fmt.Errorf("run cancelled: %s", reason)
		}
		step, ok := rs.steps[id]
		if !ok {
			return nil, fmt.Errorf("pipeline: unknown step id %q", id)
		}
		if loopDepth == 0 && rs.hasExecuted(id) {
			continue
		}
		for _, dep := range step.DependsOn {
			if !rs.hasExecuted(dep) {
				return nil, fmt.Errorf("pipeline: step %q has unmet dependency %q", id, dep)
			}
		}

		ctxSnapshot := rs.contextSnapshot()
		if step.Condition != "" && !EvaluateCondition(step.Condition, ctxSnapshot) {
			rs.setResult(StepResult{StepID: id, Status: StepStatusSkipped, SkipReason: "condition"})
			rs.markExecuted(id)
			lastOutput = nil
			continue
		}

		startedAt := time.Now()
		output, stepErr := executeStepWithRetry(ctx, rs, step)
		completedAt := time.Now()
		metrics.StepDuration.WithLabelValues(string(step.Type), statusLabel(stepErr)).Observe(completedAt.Sub(startedAt).Seconds())

		result := StepResult{StepID: id, StartedAt: &startedAt, CompletedAt: &completedAt}
		if stepErr != nil {
			result.Status = StepStatusFailed
			result.Error = &StepError{Code: "STEP_ERROR", Message: stepErr.Error(), StepID: id}
		} else {
			result.Status = StepStatusSuccess
			result.Output = output
			rs.setContext(fmt.Sprintf("step_%s_output", id), output)
		}
		rs.setResult(result)
		rs.markExecuted(id)
		lastOutput = output

		if stepErr != nil && !step.ContinueOnFailure {
			return nil, fmt.Errorf("pipeline: step %q failed: %w", id, stepErr)
		}
	}
	return lastOutput, nil
}

func statusLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// executeStepWithRetry wraps the typed step executor in the retry policy
// resolved step → pipeline → zero-value default, classifying non-retryable
// errors by retryableErrors/"cancelled" substring per §4.4.2.
func executeStepWithRetry(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	policy := resolveRetryPolicy(step, rs.pipeline.RetryPolicy)
	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		if cancelled, reason, _ := rs.token.status(); cancelled {
			return nil, fmt.Errorf("cancelled: %s", reason)
		}
		output, err := dispatchStep(ctx, rs, step)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !retryableStepError(err, policy) || attempt == policy.MaxAttempts {
			return nil, lastErr
		}
		backoff := calculateBackoff(RetryConfig{
			InitialBackoffMs:  policy.InitialBackoffMs,
			MaxBackoffMs:      policy.MaxBackoffMs,
			BackoffMultiplier: policy.BackoffMultiplier,
		}, attempt)
		logger.Warn("pipeline step retrying", zap.String("stepId", step.ID), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func retryableStepError(err error, policy RetryPolicy) bool {
	if strings.Contains(strings.ToLower(err.Error()), "cancelled") {
		return false
	}
	if len(policy.RetryableErrors) > 0 {
		msg := err.Error()
		for _, code := range policy.RetryableErrors {
			if strings.Contains(msg, code) {
				return true
			}
		}
		return false
	}
	return true
}

func resolveRetryPolicy(step Step, def RetryPolicy) RetryPolicy {
	if step.RetryPolicy != nil {
		return *step.RetryPolicy
	}
	return def
}

// dispatchStep is the single switch on step.Type the spec's re-architecture
// guidance calls for — each case delegates to its own file.
func dispatchStep(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	switch step.Type {
	case StepConditional:
		return executeConditional(ctx, rs, step)
	case StepParallel:
		return executeParallel(ctx, rs, step)
	case StepApproval:
		return executeApproval(ctx, rs, step)
	case StepScript:
		return executeScript(ctx, rs, step)
	case StepLoop:
		return executeLoop(ctx, rs, step)
	case StepWait:
		return executeWait(ctx, rs, step)
	case StepTransform:
		return executeTransform(ctx, rs, step)
	case StepWebhook:
		return executeWebhook(ctx, rs, step)
	case StepSubPipeline:
		return executeSubPipeline(ctx, rs, step)
	case StepAgentTask:
		return executeAgentTask(ctx, rs, step)
	default:
		return nil, fmt.Errorf("pipeline: unknown step type %q", step.Type)
	}
}

// loopDepth and setLoopDepth read/write the run context's __loopDepth guard used to
// bypass the "already executed" dedup for steps inside a loop body.
func (rs *runState) loopDepth() int {
	v, ok := rs.contextSnapshot()["__loopDepth"]
	if !ok {
		return 0
	}
	f, _ := asFloat(v)
	return int(f)
}

func (rs *runState) setLoopDepth(d int) {
	rs.setContext("__loopDepth", float64(d))
}
