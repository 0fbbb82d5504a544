// Package pipeline implements the Pipeline Engine (C4): pipeline CRUD, run
// lifecycle, and the ten-kind step dispatcher described alongside the job
// queue this engine sits next to.
package pipeline

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type StepType string

const (
	StepAgentTask    StepType = "agent_task"
	StepConditional  StepType = "conditional"
	StepParallel     StepType = "parallel"
	StepApproval     StepType = "approval"
	StepScript       StepType = "script"
	StepLoop         StepType = "loop"
	StepWait         StepType = "wait"
	StepTransform    StepType = "transform"
	StepWebhook      StepType = "webhook"
	StepSubPipeline  StepType = "sub_pipeline"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusSuccess StepStatus = "completed"
	StepStatusFailed  StepStatus = "failed"
)

type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerSchedule  TriggerType = "schedule"
	TriggerWebhook   TriggerType = "webhook"
	TriggerBeadEvent TriggerType = "bead_event"
)

// JSONMap is the same opaque-blob convention pkg/jobs uses for JSONB columns.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("pipeline: JSONMap.Scan: unsupported type")
	}
	if len(bytes) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(bytes, m)
}

// decode round-trips a step's raw Config through JSON into a typed config
// struct — the mechanical equivalent of the tagged-variant-over-a-closed-set
// design described for the step dispatcher, without inventing a reflection
// framework to get there.
func decode(raw JSONMap, out interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// RetryPolicy is shared by Pipeline (as a default), Step (as an override),
// and resolved per-step as step → pipeline → zero-value default.
type RetryPolicy struct {
	MaxAttempts       int      `json:"maxAttempts"`
	InitialBackoffMs  int64    `json:"initialBackoffMs"`
	MaxBackoffMs      int64    `json:"maxBackoffMs"`
	BackoffMultiplier float64  `json:"backoffMultiplier"`
	RetryableErrors   []string `json:"retryableErrors,omitempty"`
}

// Trigger describes what starts a pipeline run.
type Trigger struct {
	Type    TriggerType `json:"type"`
	Config  JSONMap     `json:"config,omitempty"`
	Enabled bool        `json:"enabled"`
}

// Step is immutable once a Pipeline is created; updates replace the whole
// step list and bump the pipeline's version rather than mutate a step
// in place.
type Step struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Type              StepType   `json:"type"`
	Config            JSONMap    `json:"config"`
	DependsOn         []string   `json:"dependsOn,omitempty"`
	Condition         string     `json:"condition,omitempty"`
	RetryPolicy       *RetryPolicy `json:"retryPolicy,omitempty"`
	ContinueOnFailure bool       `json:"continueOnFailure,omitempty"`
	TimeoutMs         int64      `json:"timeoutMs,omitempty"`
}

// PipelineStats tracks run history for a pipeline definition.
type PipelineStats struct {
	TotalRuns         int64   `json:"totalRuns"`
	SuccessfulRuns    int64   `json:"successfulRuns"`
	FailedRuns        int64   `json:"failedRuns"`
	AverageDurationMs float64 `json:"averageDurationMs"`
}

// Pipeline is a versioned, named DAG of Steps.
type Pipeline struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Name            string        `gorm:"index" json:"name"`
	Version         int           `json:"version"`
	Enabled         bool          `json:"enabled"`
	Trigger         Trigger       `gorm:"type:jsonb;serializer:json" json:"trigger"`
	Steps           StepList      `gorm:"type:jsonb" json:"steps"`
	ContextDefaults JSONMap       `gorm:"type:jsonb" json:"contextDefaults"`
	RetryPolicy     RetryPolicy   `gorm:"type:jsonb;serializer:json" json:"retryPolicy"`
	Stats           PipelineStats `gorm:"type:jsonb;serializer:json" json:"stats"`
	OwnerID         string        `gorm:"index" json:"ownerId"`
	Tags            StringList    `gorm:"type:jsonb" json:"tags"`
	CreatedAt       time.Time     `gorm:"index" json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// StepList and StringList give the []Step / []string JSONB columns their
// own Value/Scan since GORM's serializer tag needs a named type to hang
// the driver.Valuer/sql.Scanner methods off.
type StepList []Step

func (s StepList) Value() (driver.Value, error) { return json.Marshal(s) }
func (s *StepList) Scan(value interface{}) error {
	b, ok := asBytes(value)
	if !ok {
		*s = StepList{}
		return nil
	}
	return json.Unmarshal(b, s)
}

type StringList []string

func (s StringList) Value() (driver.Value, error) { return json.Marshal(s) }
func (s *StringList) Scan(value interface{}) error {
	b, ok := asBytes(value)
	if !ok {
		*s = StringList{}
		return nil
	}
	return json.Unmarshal(b, s)
}

func asBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, len(v) > 0
	case string:
		return []byte(v), len(v) > 0
	default:
		return nil, false
	}
}

// StepResult is the per-step runtime outcome recorded on a PipelineRun.
type StepResult struct {
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Output      interface{} `json:"output,omitempty"`
	Error       *StepError `json:"error,omitempty"`
	SkipReason  string     `json:"skipReason,omitempty"`
	Approvals   []Approval `json:"approvals,omitempty"`
}

type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"stepId,omitempty"`
}

func (e *StepError) Error() string { return e.Message }

// Approval is one recorded decision against an approval step's handle.
type Approval struct {
	UserID    string    `json:"userId"`
	Decision  string    `json:"decision"` // "approved" | "rejected"
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TriggeredBy records who/what started a run.
type TriggeredBy struct {
	Type string `json:"type"` // user | schedule | webhook | bead_event | api
	ID   string `json:"id,omitempty"`
}

// PipelineRun is one execution of a Pipeline's step set as it stood at
// runPipeline time.
type PipelineRun struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	PipelineID      uuid.UUID     `gorm:"index" json:"pipelineId"`
	Status          RunStatus     `gorm:"index" json:"status"`
	Steps           StepList      `gorm:"type:jsonb" json:"steps"`
	ExecutedStepIDs StringList    `gorm:"type:jsonb" json:"executedStepIds"`
	Context         JSONMap       `gorm:"type:jsonb" json:"context"`
	Results         StepResultMap `gorm:"type:jsonb;serializer:json" json:"results"`
	TriggeredBy     TriggeredBy   `gorm:"type:jsonb;serializer:json" json:"triggeredBy"`
	CreatedAt       time.Time     `gorm:"index" json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	Error           *StepError    `gorm:"type:jsonb;serializer:json" json:"error,omitempty"`
}

type StepResultMap map[string]StepResult

func (m StepResultMap) Value() (driver.Value, error) { return json.Marshal(m) }
func (m *StepResultMap) Scan(value interface{}) error {
	b, ok := asBytes(value)
	if !ok {
		*m = StepResultMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

func (p *Pipeline) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (r *PipelineRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
