package pipeline

import "context"

type ConditionalStepConfig struct {
	Condition string   `json:"condition"`
	ThenSteps []string `json:"thenSteps"`
	ElseSteps []string `json:"elseSteps,omitempty"`
}

// executeConditional evaluates Condition and recurses on the matching
// branch, returning which branch ran and what it executed.
func executeConditional(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg ConditionalStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}

	branchCondition := step.Condition
	if branchCondition == "" {
		branchCondition = cfg.Condition
	}
	took := EvaluateCondition(branchCondition, rs.contextSnapshot())

	branchSteps := cfg.ThenSteps
	branchName := "then"
	if !took {
		branchSteps = cfg.ElseSteps
		branchName = "else"
	}
	if len(branchSteps) == 0 {
		return map[string]interface{}{"branch": branchName, "executedSteps": []string{}}, nil
	}

	if _, err := runDispatcher(ctx, rs, branchSteps, rs.loopDepth()); err != nil {
		return nil, err
	}
	return map[string]interface{}{"branch": branchName, "executedSteps": branchSteps}, nil
}
