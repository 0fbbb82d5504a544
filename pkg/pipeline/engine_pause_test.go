package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"skeenode/pkg/events"
)

// fakeStore is a minimal in-memory Store sufficient to drive Engine.execute
// without Postgres.
type fakeStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*PipelineRun
}

func newFakeStore() *fakeStore { return &fakeStore{runs: map[uuid.UUID]*PipelineRun{}} }

func (s *fakeStore) CreatePipeline(ctx context.Context, p *Pipeline) error { return nil }
func (s *fakeStore) GetPipeline(ctx context.Context, id uuid.UUID) (*Pipeline, error) {
	return &Pipeline{ID: id, Enabled: true}, nil
}
func (s *fakeStore) UpdatePipeline(ctx context.Context, p *Pipeline) error { return nil }
func (s *fakeStore) DeletePipeline(ctx context.Context, id uuid.UUID) error { return nil }
func (s *fakeStore) ListPipelines(ctx context.Context, filter ListFilter) (ListPage, error) {
	return ListPage{}, nil
}
func (s *fakeStore) RecordRunStats(ctx context.Context, pipelineID uuid.UUID, success bool, durationMs float64) error {
	return nil
}
func (s *fakeStore) CreateRun(ctx context.Context, r *PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}
func (s *fakeStore) GetRun(ctx context.Context, id uuid.UUID) (*PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}
func (s *fakeStore) UpdateRun(ctx context.Context, r *PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}
func (s *fakeStore) ListRuns(ctx context.Context, filter RunFilter) (RunPage, error) {
	return RunPage{}, nil
}

func TestExecute_PauseLeavesRunPausedNotFailed(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, events.NewPublisher(nil), nil)

	pipelineID := uuid.New()
	now := time.Now()
	run := &PipelineRun{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		Status:     RunStatusRunning,
		Steps: StepList{
			{ID: "wait1", Type: StepWait, Config: JSONMap{"durationMs": float64(60000)}},
		},
		StartedAt: &now,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	token := newCancelToken()
	engine.tokensMu.Lock()
	engine.tokens[run.ID] = token
	engine.tokensMu.Unlock()

	done := make(chan struct{})
	go func() {
		engine.execute(&Pipeline{ID: pipelineID, Enabled: true, Steps: run.Steps}, run, token)
		close(done)
	}()

	// Give the dispatcher a moment to enter the blocking wait step, then
	// pause the way PauseRun does: persist paused, then cancel the token.
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	run.Status = RunStatusPaused
	store.runs[run.ID] = run
	store.mu.Unlock()
	token.cancel("paused", "api")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after pause")
	}

	persisted, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if persisted.Status != RunStatusPaused {
		t.Errorf("expected run to remain %q after pause, got %q", RunStatusPaused, persisted.Status)
	}
}

func TestExecute_CancelObservedDuringBlockingStep(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, events.NewPublisher(nil), nil)

	pipelineID := uuid.New()
	now := time.Now()
	run := &PipelineRun{
		ID:         uuid.New(),
		PipelineID: pipelineID,
		Status:     RunStatusRunning,
		Steps: StepList{
			{ID: "wait1", Type: StepWait, Config: JSONMap{"durationMs": float64(60000)}},
		},
		StartedAt: &now,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	token := newCancelToken()
	engine.tokensMu.Lock()
	engine.tokens[run.ID] = token
	engine.tokensMu.Unlock()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		engine.execute(&Pipeline{ID: pipelineID, Enabled: true, Steps: run.Steps}, run, token)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	token.cancel("user requested", "api")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not observe cancellation during the blocking wait step")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected cancellation to abort the 60s wait almost immediately, took %v", elapsed)
	}

	persisted, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if persisted.Status != RunStatusCancelled {
		t.Errorf("expected run to be marked cancelled, got %q", persisted.Status)
	}
}
