// Package jobs implements the durable job queue: Job Store, Scheduler and
// Executor. A job is a typed unit of work executed by a registered Handler
// under timeout, retry, cancellation and checkpoint semantics.
package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether status is one of the three terminal states that
// may only be escaped by an explicit retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// JSONMap is an arbitrary structured blob persisted as JSONB.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("jobs: type assertion to []byte failed")
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Progress tracks fractional completion of a running job.
type Progress struct {
	Current    int64  `json:"current"`
	Total      int64  `json:"total"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
	Stage      string `json:"stage,omitempty"`
}

func (p Progress) Value() (driver.Value, error) { return json.Marshal(p) }
func (p *Progress) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, p)
}

// Recompute derives Percentage from Current/Total, rounding to the nearest
// integer. Total==0 yields 0 rather than dividing by zero.
func (p *Progress) Recompute() {
	if p.Total <= 0 {
		p.Percentage = 0
		return
	}
	p.Percentage = int((100*p.Current + p.Total/2) / p.Total)
}

// RetryState tracks attempts and backoff for a job.
type RetryState struct {
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	BackoffMs   int64      `json:"backoffMs"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

func (r RetryState) Value() (driver.Value, error) { return json.Marshal(r) }
func (r *RetryState) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, r)
}

// JobError records the last failure classified for a job.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Stack     string `json:"stack,omitempty"`
}

func (e JobError) Value() (driver.Value, error) { return json.Marshal(e) }
func (e *JobError) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, e)
}

// Cancellation records a pending or completed cancellation request.
type Cancellation struct {
	RequestedAt *time.Time `json:"requestedAt,omitempty"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func (c Cancellation) Value() (driver.Value, error) { return json.Marshal(c) }
func (c *Cancellation) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok || len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, c)
}

// Job is the durable unit of work owned by the Job Store (C1).
type Job struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Type      string    `json:"type" gorm:"index;not null"`
	Name      string    `json:"name,omitempty"`

	Priority  int    `json:"priority" gorm:"index"`
	SessionID string `json:"sessionId,omitempty" gorm:"index"`
	AgentID   string `json:"agentId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	Status Status `json:"status" gorm:"type:varchar(20);index;not null"`

	Input  JSONMap `json:"input" gorm:"type:jsonb"`
	Output JSONMap `json:"output,omitempty" gorm:"type:jsonb"`

	Progress Progress   `json:"progress" gorm:"type:jsonb"`
	Retry    RetryState `json:"retry" gorm:"type:jsonb"`
	Error    *JobError  `json:"error,omitempty" gorm:"type:jsonb"`

	Cancellation Cancellation `json:"cancellation" gorm:"type:jsonb"`

	CreatedAt           time.Time  `json:"createdAt" gorm:"index"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty" gorm:"index"`
	EstimatedDurationMs   *int64     `json:"estimatedDurationMs,omitempty"`
	ActualDurationMs      *int64     `json:"actualDurationMs,omitempty"`

	RetryNextAt *time.Time `json:"-" gorm:"index"`

	Checkpoint          JSONMap    `json:"-" gorm:"type:jsonb"`
	CheckpointUpdatedAt *time.Time `json:"checkpointUpdatedAt,omitempty"`

	CorrelationID string  `json:"correlationId,omitempty"`
	Metadata      JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
}

// BeforeCreate assigns an id if the caller left it unset.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// LogLevel is the severity of a JobLog entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLog is an append-only per-job log record.
type JobLog struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID      uuid.UUID `json:"jobId" gorm:"type:uuid;index;not null"`
	Level      LogLevel  `json:"level" gorm:"type:varchar(10)"`
	Message    string    `json:"message"`
	Data       JSONMap   `json:"data,omitempty" gorm:"type:jsonb"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	DurationMs *int64    `json:"durationMs,omitempty"`
}

func (l *JobLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
