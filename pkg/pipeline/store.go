package pipeline

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("pipeline: not found")
	ErrConflict  = errors.New("pipeline: version conflict")
)

// ListFilter filters the pipeline listing (§4.4.1).
type ListFilter struct {
	Tags        []string // any-of
	Enabled     *bool
	OwnerID     string
	NameContains string
	Limit       int
	Cursor      string
}

// RunFilter filters pipeline-run listings, e.g. for an operator console.
type RunFilter struct {
	PipelineID uuid.UUID
	Status     RunStatus
	Limit      int
	Cursor     string
}

type ListPage struct {
	Pipelines  []Pipeline
	NextCursor string
}

type RunPage struct {
	Runs       []PipelineRun
	NextCursor string
}

// Store is the persistence contract for pipelines and their runs.
type Store interface {
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*Pipeline, error)
	UpdatePipeline(ctx context.Context, p *Pipeline) error
	DeletePipeline(ctx context.Context, id uuid.UUID) error
	ListPipelines(ctx context.Context, filter ListFilter) (ListPage, error)
	RecordRunStats(ctx context.Context, pipelineID uuid.UUID, success bool, durationMs float64) error

	CreateRun(ctx context.Context, r *PipelineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*PipelineRun, error)
	UpdateRun(ctx context.Context, r *PipelineRun) error
	ListRuns(ctx context.Context, filter RunFilter) (RunPage, error)
}
