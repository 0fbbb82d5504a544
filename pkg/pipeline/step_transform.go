package pipeline

import "context"

// executeTransform decodes the step's operation list and applies each in
// order against the run's context map.
func executeTransform(ctx context.Context, rs *runState, step Step) (interface{}, error) {
	var cfg TransformStepConfig
	if err := decode(step.Config, &cfg); err != nil {
		return nil, err
	}

	rs.lock()
	output, err := ApplyTransform(cfg.Operations, rs.run.Context)
	rs.unlock()
	return output, err
}
