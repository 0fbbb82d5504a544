package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"skeenode/pkg/events"
	"skeenode/pkg/logger"
	"skeenode/pkg/metrics"
)

// cancelToken is the cooperative cancellation handle shared between a
// running job's Scheduler admission-set entry and its ExecutionContext.
type cancelToken struct {
	mu          sync.Mutex
	cancelled   bool
	reason      string
	requestedBy string
}

func (t *cancelToken) cancel(reason, by string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.reason = reason
	t.requestedBy = by
}

func (t *cancelToken) status() (cancelled bool, reason, by string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled, t.reason, t.requestedBy
}

// ExecutionContext is the handler-facing API described in §4.3 step 5.
type ExecutionContext struct {
	ctx   context.Context
	job   Job
	store Store
	token *cancelToken

	mu    sync.Mutex
	stage string
}

func newExecutionContext(ctx context.Context, job Job, store Store, token *cancelToken) *ExecutionContext {
	return &ExecutionContext{ctx: ctx, job: job, store: store, token: token}
}

// Input returns the job's input payload.
func (e *ExecutionContext) Input() JSONMap { return e.job.Input }

// Job returns a snapshot of the job as it stood when execution began.
func (e *ExecutionContext) Job() Job { return e.job }

// UpdateProgress recomputes the percentage and writes the progress through
// to the store. It returns only the store's error, not the written value.
func (e *ExecutionContext) UpdateProgress(current, total int64, message string) error {
	p := Progress{Current: current, Total: total, Message: message}
	e.mu.Lock()
	p.Stage = e.stage
	e.mu.Unlock()
	p.Recompute()
	if err := e.store.UpdateProgress(e.ctx, e.job.ID, p); err != nil {
		return fmt.Errorf("jobs: update progress: %w", err)
	}
	return nil
}

// SetStage records a free-form stage label surfaced on the next progress
// update.
func (e *ExecutionContext) SetStage(stage string) {
	e.mu.Lock()
	e.stage = stage
	e.mu.Unlock()
}

// Checkpoint persists opaque handler state so a retried/resumed execution
// can recover.
func (e *ExecutionContext) Checkpoint(state JSONMap) error {
	return e.store.SaveCheckpoint(e.ctx, e.job.ID, state)
}

// GetCheckpoint returns the last checkpoint, or an empty map if none.
func (e *ExecutionContext) GetCheckpoint() (JSONMap, error) {
	return e.store.GetCheckpoint(e.ctx, e.job.ID)
}

// IsCancelled reports whether cancellation (user-requested or timeout) has
// been signalled.
func (e *ExecutionContext) IsCancelled() bool {
	cancelled, _, _ := e.token.status()
	return cancelled
}

// ThrowIfCancelled returns a non-nil error iff IsCancelled, for handlers
// that prefer an early-return idiom over polling the boolean.
func (e *ExecutionContext) ThrowIfCancelled() error {
	if cancelled, reason, _ := e.token.status(); cancelled {
		return fmt.Errorf("cancelled: %s", reason)
	}
	return nil
}

// Log appends a JobLog entry and mirrors it through the structured logger.
func (e *ExecutionContext) Log(level LogLevel, message string, data JSONMap) {
	entry := &JobLog{
		JobID:     e.job.ID,
		Level:     level,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := e.store.AppendLog(e.ctx, entry); err != nil {
		logger.Warn("append job log failed", zap.String("jobId", e.job.ID.String()), zap.Error(err))
	}
	switch level {
	case LogDebug:
		logger.Debug(message, zap.String("jobId", e.job.ID.String()))
	case LogWarn:
		logger.Warn(message, zap.String("jobId", e.job.ID.String()))
	case LogError:
		logger.Error(message, zap.String("jobId", e.job.ID.String()))
	default:
		logger.Info(message, zap.String("jobId", e.job.ID.String()))
	}
}

// runJob executes a single job through the C3 transition table. It is
// invoked by the Scheduler inside an already-admitted goroutine; runJob
// itself never touches the in-flight admission set.
func (s *Scheduler) runJob(parentCtx context.Context, job Job, token *cancelToken) {
	ctx := parentCtx
	jobLogger := logger.Get().With(zap.String("jobId", job.ID.String()), zap.String("type", job.Type))

	handler, ok := s.registry.lookup(job.Type)
	if !ok {
		s.failTerminal(ctx, job, "NO_HANDLER", fmt.Sprintf("no handler registered for type %q", job.Type), false)
		return
	}

	result, err := handler.Validate(ctx, job.Input)
	if err != nil || !result.Valid {
		msgs := result.Errors
		if err != nil {
			msgs = append(msgs, err.Error())
		}
		s.failTerminal(ctx, job, "VALIDATION_ERROR", joinMessages(msgs), false)
		return
	}

	now := time.Now()
	startUpdate := StatusUpdate{Status: StatusRunning, StartedAt: &now}
	if err := s.store.UpdateStatus(ctx, job.ID, startUpdate); err != nil {
		jobLogger.Error("failed to transition to running", zap.Error(err))
		return
	}
	job.Status = StatusRunning
	job.StartedAt = &now
	_ = s.store.UpdateProgress(ctx, job.ID, Progress{Message: "Starting"})
	s.publishJobEvent(ctx, events.TypeJobStarted, job)

	timeout := s.timeoutFor(job.Type)
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := time.AfterFunc(timeout, func() {
		token.cancel("timeout", "scheduler")
	})
	defer timer.Stop()

	ec := newExecutionContext(timeoutCtx, job, s.store, token)

	execStart := time.Now()
	output, execErr := handler.Execute(timeoutCtx, ec)
	duration := time.Since(execStart)

	if cancelled, reason, by := token.status(); cancelled {
		s.handleCancelled(ctx, job, handler, ec, reason, by)
		return
	}

	if execErr != nil {
		s.handleFailure(ctx, job, execErr, duration)
		return
	}

	s.handleSuccess(ctx, job, output, duration)
}

func (s *Scheduler) handleSuccess(ctx context.Context, job Job, output JSONMap, duration time.Duration) {
	now := time.Now()
	durMs := duration.Milliseconds()
	total := job.Progress.Total
	if total == 0 {
		total = 1
	}
	_ = s.store.UpdateProgress(ctx, job.ID, Progress{Current: total, Total: total, Percentage: 100})
	err := s.store.UpdateStatus(ctx, job.ID, StatusUpdate{
		Status:      StatusCompleted,
		CompletedAt: &now,
		Output:      output,
	})
	if err != nil {
		logger.Error("persist completion failed", zap.String("jobId", job.ID.String()), zap.Error(err))
	}
	job.Status = StatusCompleted
	job.Output = output
	metrics.JobsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.JobDuration.WithLabelValues(job.Type, string(StatusCompleted)).Observe(duration.Seconds())
	s.publishJobEvent(ctx, events.TypeJobCompleted, jobEventPayload(job, map[string]interface{}{"durationMs": durMs}))
}

func (s *Scheduler) handleCancelled(ctx context.Context, job Job, handler Handler, ec *ExecutionContext, reason, by string) {
	if c, ok := handler.(Canceller); ok {
		if err := c.OnCancel(ctx, ec); err != nil {
			logger.Warn("handler OnCancel failed", zap.String("jobId", job.ID.String()), zap.Error(err))
		}
	}
	now := time.Now()
	status := StatusCancelled
	if reason == "timeout" {
		status = StatusTimeout
	}
	_ = s.store.UpdateStatus(ctx, job.ID, StatusUpdate{
		Status:       status,
		CompletedAt:  &now,
		Cancellation: &Cancellation{RequestedAt: &now, RequestedBy: by, Reason: reason},
	})
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	s.publishJobEvent(ctx, events.TypeJobCancelled, jobEventPayload(job, map[string]interface{}{"reason": reason, "status": status}))
}

func (s *Scheduler) handleFailure(ctx context.Context, job Job, execErr error, duration time.Duration) {
	attempts := job.Retry.Attempts + 1
	retryable := classifyRetryable(execErr, attempts, s.retryConfig.MaxAttempts)

	if retryable {
		backoff := calculateBackoff(s.retryConfig, attempts)
		nextRetryAt := time.Now().Add(backoff)
		retry := RetryState{
			Attempts:    attempts,
			MaxAttempts: s.retryConfig.MaxAttempts,
			BackoffMs:   backoff.Milliseconds(),
			NextRetryAt: &nextRetryAt,
		}
		jobErr := &JobError{Code: "TRANSIENT", Message: execErr.Error(), Retryable: true}
		_ = s.store.UpdateStatus(ctx, job.ID, StatusUpdate{
			Status: StatusPending,
			Error:  jobErr,
			Retry:  &retry,
		})
		metrics.RetriesTotal.WithLabelValues(job.Type).Inc()
		s.publishJobEvent(ctx, events.TypeJobFailed, jobEventPayload(job, map[string]interface{}{
			"willRetry":   true,
			"nextRetryAt": nextRetryAt,
			"error":       jobErr,
		}))
		return
	}

	now := time.Now()
	jobErr := &JobError{Code: "EXECUTION_ERROR", Message: execErr.Error(), Retryable: false}
	_ = s.store.UpdateStatus(ctx, job.ID, StatusUpdate{
		Status:      StatusFailed,
		CompletedAt: &now,
		Error:       jobErr,
	})
	metrics.JobsTotal.WithLabelValues(string(StatusFailed)).Inc()
	metrics.JobDuration.WithLabelValues(job.Type, string(StatusFailed)).Observe(duration.Seconds())
	s.publishJobEvent(ctx, events.TypeJobFailed, jobEventPayload(job, map[string]interface{}{
		"willRetry": false,
		"error":     jobErr,
	}))
}

// failTerminal handles the two pre-execution non-retryable failures:
// NO_HANDLER and VALIDATION_ERROR. Neither increments attempts.
func (s *Scheduler) failTerminal(ctx context.Context, job Job, code, message string, retryable bool) {
	now := time.Now()
	jobErr := &JobError{Code: code, Message: message, Retryable: retryable}
	_ = s.store.UpdateStatus(ctx, job.ID, StatusUpdate{
		Status:      StatusFailed,
		CompletedAt: &now,
		StartedAt:   &now,
		Error:       jobErr,
	})
	metrics.JobsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.publishJobEvent(ctx, events.TypeJobFailed, jobEventPayload(job, map[string]interface{}{
		"willRetry": false,
		"error":     jobErr,
	}))
}

func (s *Scheduler) timeoutFor(jobType string) time.Duration {
	if ms, ok := s.config.Timeouts.PerType[jobType]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(s.config.Timeouts.Default) * time.Millisecond
}

func (s *Scheduler) publishJobEvent(ctx context.Context, eventType string, payload interface{}) {
	correlationID := ""
	if job, ok := payload.(Job); ok {
		correlationID = job.CorrelationID
	}
	s.publisher.Publish(ctx, eventType, payload, correlationID,
		events.ChannelSystemJobs, sessionChannel(payload))
}

func sessionChannel(payload interface{}) string {
	if job, ok := payload.(Job); ok && job.SessionID != "" {
		return events.ChannelSessionJob + ":" + job.SessionID
	}
	return events.ChannelSessionJob
}

func jobEventPayload(job Job, extra map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"job": job}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func joinMessages(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}
