package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skeenode/pkg/events"
)

// Service is the external-facing API described in §6: createJob, getJob,
// listJobs, cancelJob, retryJob, pauseJob, resumeJob. It wraps Store and
// Scheduler so API handlers never touch either directly.
type Service struct {
	store     Store
	scheduler *Scheduler
	publisher *events.Publisher
	retryCfg  RetryConfig
}

// NewService wires a Service on top of an already-constructed Scheduler.
func NewService(store Store, scheduler *Scheduler, publisher *events.Publisher, retryCfg RetryConfig) *Service {
	return &Service{store: store, scheduler: scheduler, publisher: publisher, retryCfg: retryCfg}
}

// CreateJobInput is the caller-supplied subset of Job fields accepted by
// CreateJob; everything else (status, timestamps, progress) is assigned.
type CreateJobInput struct {
	Type          string
	Name          string
	Priority      int
	SessionID     string
	AgentID       string
	UserID        string
	Input         JSONMap
	Metadata      JSONMap
	CorrelationID string
}

// CreateJob persists a new job in pending status and wakes the scheduler so
// it needn't wait for the next poll tick.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (*Job, error) {
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = events.NewCorrelationID()
	}
	job := &Job{
		Type:          in.Type,
		Name:          in.Name,
		Priority:      in.Priority,
		SessionID:     in.SessionID,
		AgentID:       in.AgentID,
		UserID:        in.UserID,
		Status:        StatusPending,
		Input:         in.Input,
		Metadata:      in.Metadata,
		CorrelationID: correlationID,
		Retry:         RetryState{MaxAttempts: s.retryCfg.MaxAttempts},
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobs: create: %w", err)
	}
	s.publisher.Publish(ctx, events.TypeJobCreated, map[string]interface{}{"job": job}, correlationID,
		events.ChannelSystemJobs, sessionChannel(*job))
	s.scheduler.Trigger()
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, filter Filter) (Page, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) GetLogs(ctx context.Context, id uuid.UUID, limit int) ([]JobLog, error) {
	return s.store.GetLogs(ctx, id, limit)
}

// CancelJob transitions a job to cancelled. If the job is currently
// in-flight, the scheduler's cancellation token is signalled so the
// running handler observes IsCancelled(); otherwise (still pending) the
// store is updated directly since there is nothing running to signal.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID, requestedBy, reason string) error {
	if s.scheduler.CancelJob(id, requestedBy, reason) {
		return nil
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("jobs: cancel: %w", err)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("jobs: cancel: %w: job %s already %s", ErrInvalidState, id, job.Status)
	}
	now := time.Now()
	if err := s.store.UpdateStatus(ctx, id, StatusUpdate{
		Status:      StatusCancelled,
		CompletedAt: &now,
		Cancellation: &Cancellation{RequestedAt: &now, RequestedBy: requestedBy, Reason: reason},
	}); err != nil {
		return fmt.Errorf("jobs: cancel: %w", err)
	}
	s.publisher.Publish(ctx, events.TypeJobCancelled, map[string]interface{}{"job": job, "reason": reason}, job.CorrelationID,
		events.ChannelSystemJobs, sessionChannel(*job))
	return nil
}

// RetryJob resets a terminal-failed job back to pending with a fresh retry
// budget, per §3: "once terminal, only retry may reset it to pending."
func (s *Service) RetryJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("jobs: retry: %w", err)
	}
	if job.Status != StatusFailed && job.Status != StatusTimeout {
		return fmt.Errorf("jobs: retry: %w: job %s is %s, not failed", ErrInvalidState, id, job.Status)
	}
	if err := s.store.UpdateStatus(ctx, id, StatusUpdate{
		Status: StatusPending,
		Retry:  &RetryState{Attempts: 0, MaxAttempts: s.retryCfg.MaxAttempts},
	}); err != nil {
		return fmt.Errorf("jobs: retry: %w", err)
	}
	s.scheduler.Trigger()
	return nil
}

// PauseJob sets a pending or running job's status to paused and publishes
// job.paused. It does not call the handler's Pauser.OnPause hook and does
// not signal a running execution. A paused job is not admitted again until
// ResumeJob returns it to pending.
func (s *Service) PauseJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("jobs: pause: %w", err)
	}
	if job.Status != StatusPending && job.Status != StatusRunning {
		return fmt.Errorf("jobs: pause: %w: job %s is %s", ErrInvalidState, id, job.Status)
	}
	if err := s.store.UpdateStatus(ctx, id, StatusUpdate{Status: StatusPaused}); err != nil {
		return fmt.Errorf("jobs: pause: %w", err)
	}
	s.publisher.Publish(ctx, events.TypeJobPaused, map[string]interface{}{"job": job}, job.CorrelationID,
		events.ChannelSystemJobs, sessionChannel(*job))
	return nil
}

func (s *Service) ResumeJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("jobs: resume: %w", err)
	}
	if job.Status != StatusPaused {
		return fmt.Errorf("jobs: resume: %w: job %s is %s, not paused", ErrInvalidState, id, job.Status)
	}
	if err := s.store.UpdateStatus(ctx, id, StatusUpdate{Status: StatusPending}); err != nil {
		return fmt.Errorf("jobs: resume: %w", err)
	}
	s.publisher.Publish(ctx, events.TypeJobResumed, map[string]interface{}{"job": job}, job.CorrelationID,
		events.ChannelSystemJobs, sessionChannel(*job))
	s.scheduler.Trigger()
	return nil
}

// Cleanup prunes terminal jobs older than their status's retention window.
// Intended to be called on an interval by the owning process (cmd/api).
func (s *Service) Cleanup(ctx context.Context, retention Retention) (int64, error) {
	return s.store.Cleanup(ctx, retention)
}
