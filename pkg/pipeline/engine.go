package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skeenode/pkg/events"
	"skeenode/pkg/logger"
	"skeenode/pkg/metrics"
)

// Engine owns Pipeline CRUD, Run lifecycle and the step dispatcher (C4).
type Engine struct {
	store     Store
	publisher *events.Publisher
	agentDriver AgentDriver

	approvalsMu sync.Mutex
	approvals   map[approvalKey]*approvalHandle

	tokensMu sync.Mutex
	tokens   map[uuid.UUID]*cancelToken
}

// NewEngine constructs an Engine. agentDriver may be nil if no agent_task
// steps are used.
func NewEngine(store Store, publisher *events.Publisher, agentDriver AgentDriver) *Engine {
	return &Engine{
		store:       store,
		publisher:   publisher,
		agentDriver: agentDriver,
		approvals:   make(map[approvalKey]*approvalHandle),
		tokens:      make(map[uuid.UUID]*cancelToken),
	}
}

// --- CRUD (§4.4.1) ---

// CreatePipelineInput is the caller-supplied subset of Pipeline fields.
type CreatePipelineInput struct {
	Name            string
	Trigger         Trigger
	Steps           []Step
	ContextDefaults JSONMap
	RetryPolicy     RetryPolicy
	OwnerID         string
	Tags            []string
}

func (e *Engine) CreatePipeline(ctx context.Context, in CreatePipelineInput) (*Pipeline, error) {
	if err := validateDAG(in.Steps); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{
		Name:            in.Name,
		Version:         1,
		Enabled:         true,
		Trigger:         in.Trigger,
		Steps:           in.Steps,
		ContextDefaults: in.ContextDefaults,
		RetryPolicy:     in.RetryPolicy,
		Stats:           PipelineStats{},
		OwnerID:         in.OwnerID,
		Tags:            in.Tags,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := e.store.CreatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: create: %w", err)
	}
	return p, nil
}

// UpdatePipelineInput carries the fields updatePipeline is allowed to
// replace; zero-value Steps/Trigger leave the existing value untouched.
type UpdatePipelineInput struct {
	Name            *string
	Enabled         *bool
	Trigger         *Trigger
	Steps           []Step
	ContextDefaults JSONMap
	RetryPolicy     *RetryPolicy
	Tags            []string
}

func (e *Engine) UpdatePipeline(ctx context.Context, id uuid.UUID, in UpdatePipelineInput) (*Pipeline, error) {
	p, err := e.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	if in.Steps != nil {
		if err := validateDAG(in.Steps); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.Steps = in.Steps
	}
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Enabled != nil {
		p.Enabled = *in.Enabled
	}
	if in.Trigger != nil {
		p.Trigger = *in.Trigger
	}
	if in.ContextDefaults != nil {
		p.ContextDefaults = in.ContextDefaults
	}
	if in.RetryPolicy != nil {
		p.RetryPolicy = *in.RetryPolicy
	}
	if in.Tags != nil {
		p.Tags = in.Tags
	}
	p.Version++
	p.UpdatedAt = time.Now()
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline: update: %w", err)
	}
	return p, nil
}

func (e *Engine) GetPipeline(ctx context.Context, id uuid.UUID) (*Pipeline, error) {
	return e.store.GetPipeline(ctx, id)
}

func (e *Engine) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	return e.store.DeletePipeline(ctx, id)
}

func (e *Engine) ListPipelines(ctx context.Context, filter ListFilter) (ListPage, error) {
	return e.store.ListPipelines(ctx, filter)
}

// validateDAG rejects duplicate step ids, unreachable dependsOn targets,
// and dependency cycles.
func validateDAG(steps []Step) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on unreachable step %q", s.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("dependency cycle detected at step %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// --- Run lifecycle (§4.4.2, §4.4.4) ---

type RunOptions struct {
	TriggeredBy TriggeredBy
	Params      map[string]interface{}
}

func (e *Engine) RunPipeline(ctx context.Context, pipelineID uuid.UUID, opts RunOptions) (*PipelineRun, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: run: %w", err)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("pipeline: run: pipeline %s is disabled", pipelineID)
	}

	seeded := JSONMap{}
	for k, v := range p.ContextDefaults {
		seeded[k] = v
	}
	for k, v := range opts.Params {
		seeded[k] = v
	}

	now := time.Now()
	run := &PipelineRun{
		PipelineID:      p.ID,
		Status:          RunStatusRunning,
		Steps:           append(StepList{}, p.Steps...),
		ExecutedStepIDs: StringList{},
		Context:         seeded,
		Results:         StepResultMap{},
		TriggeredBy:     opts.TriggeredBy,
		CreatedAt:       now,
		StartedAt:       &now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("pipeline: run: %w", err)
	}

	token := newCancelToken()
	e.tokensMu.Lock()
	e.tokens[run.ID] = token
	e.tokensMu.Unlock()

	go e.execute(p, run, token)

	return run, nil
}

func (e *Engine) execute(p *Pipeline, run *PipelineRun, token *cancelToken) {
	// Bridge the cooperative cancelToken to a real context so a step
	// blocked in a select (approval, wait, sub_pipeline) observes
	// cancellation/pause immediately instead of only between steps.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-token.done():
			cancel()
		case <-ctx.Done():
		}
	}()
	rs := newRunState(e, p, run, token)

	_, runErr := runDispatcher(ctx, rs, rs.orderedStepIDs(), rs.loopDepth())

	e.tokensMu.Lock()
	delete(e.tokens, run.ID)
	e.tokensMu.Unlock()
	e.approvalsMu.Lock()
	for k := range e.approvals {
		if k.runID == run.ID.String() {
			delete(e.approvals, k)
		}
	}
	e.approvalsMu.Unlock()

	if cancelled, reason, _ := token.status(); cancelled && reason == "paused" {
		// PauseRun already persisted status=paused and is the source of
		// truth here; leave the run resumable instead of writing a
		// terminal status/stats/event over it.
		return
	}

	// Persistence below must not ride on the dispatch ctx: it's cancelled
	// the moment a cancelled run gets here, and the terminal status still
	// needs to be written regardless.
	persistCtx := context.Background()

	now := time.Now()
	run.CompletedAt = &now

	if cancelled, reason, _ := token.status(); cancelled {
		run.Status = RunStatusCancelled
		run.Error = &StepError{Code: "CANCELLED", Message: reason}
	} else if runErr != nil {
		run.Status = RunStatusFailed
		run.Error = &StepError{Code: "STEP_FAILED", Message: runErr.Error()}
	} else {
		run.Status = RunStatusCompleted
	}

	if err := e.store.UpdateRun(persistCtx, run); err != nil {
		logger.Error("pipeline: persist run result failed", zap.String("runId", run.ID.String()), zap.Error(err))
	}

	success := run.Status == RunStatusCompleted
	durationMs := float64(now.Sub(*run.StartedAt).Milliseconds())
	if err := e.store.RecordRunStats(persistCtx, p.ID, success, durationMs); err != nil {
		logger.Warn("pipeline: record run stats failed", zap.Error(err))
	}
	metrics.PipelineRunsTotal.WithLabelValues(p.ID.String(), string(run.Status)).Inc()

	e.publisher.Publish(persistCtx, "pipeline."+string(run.Status), map[string]interface{}{"run": run}, run.ID.String(), events.ChannelWorkspaceGraph)
}

// PauseRun sets status=paused before aborting the execution handle, so the
// executor's cleanup distinguishes pause from cancel (§4.4.4).
func (e *Engine) PauseRun(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("pipeline: pause: %w", err)
	}
	if run.Status != RunStatusRunning {
		return fmt.Errorf("pipeline: pause: run %s is %s, not running", runID, run.Status)
	}
	run.Status = RunStatusPaused
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("pipeline: pause: %w", err)
	}
	e.tokensMu.Lock()
	token := e.tokens[runID]
	e.tokensMu.Unlock()
	if token != nil {
		token.cancel("paused", "api")
	}
	return nil
}

// ResumeRun re-enters the dispatcher with a fresh cancellation handle;
// executedStepIds already recorded means completed steps are not re-run.
func (e *Engine) ResumeRun(ctx context.Context, runID uuid.UUID) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("pipeline: resume: %w", err)
	}
	if run.Status != RunStatusPaused {
		return fmt.Errorf("pipeline: resume: run %s is %s, not paused", runID, run.Status)
	}
	p, err := e.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return fmt.Errorf("pipeline: resume: %w", err)
	}
	run.Status = RunStatusRunning
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("pipeline: resume: %w", err)
	}

	token := newCancelToken()
	e.tokensMu.Lock()
	e.tokens[run.ID] = token
	e.tokensMu.Unlock()

	go e.execute(p, run, token)
	return nil
}

// CancelRun aborts the run and marks it terminal cancelled. Any pending
// approval for the run is rejected.
func (e *Engine) CancelRun(ctx context.Context, runID uuid.UUID, reason string) error {
	e.tokensMu.Lock()
	token := e.tokens[runID]
	e.tokensMu.Unlock()
	if token == nil {
		return fmt.Errorf("pipeline: cancel: run %s is not active", runID)
	}
	token.cancel(reason, "api")
	return nil
}

func (e *Engine) GetRun(ctx context.Context, id uuid.UUID) (*PipelineRun, error) {
	return e.store.GetRun(ctx, id)
}

func (e *Engine) ListRuns(ctx context.Context, filter RunFilter) (RunPage, error) {
	return e.store.ListRuns(ctx, filter)
}
