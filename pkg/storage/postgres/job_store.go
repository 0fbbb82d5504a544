package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"skeenode/pkg/jobs"
)

// JobStore is the GORM/PostgreSQL-backed jobs.Store (C1).
type JobStore struct {
	db *gorm.DB
}

// NewJobStore opens a GORM connection and AutoMigrates the job queue schema.
func NewJobStore(connString string) (*JobStore, error) {
	cfg := &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(gormpostgres.Open(connString), cfg)
	if err != nil {
		return nil, fmt.Errorf("jobs/postgres: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&jobs.Job{}, &jobs.JobLog{}); err != nil {
		return nil, fmt.Errorf("jobs/postgres: migrate: %w", err)
	}

	return &JobStore{db: db}, nil
}

func (s *JobStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *JobStore) Create(ctx context.Context, job *jobs.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs/postgres: create: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	var job jobs.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter jobs.Filter) (jobs.Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&jobs.Job{})
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}

	switch filter.Order {
	case jobs.OrderScheduling:
		q = q.Where("status = ?", jobs.StatusPending).
			Where("retry_next_at IS NULL OR retry_next_at <= ?", time.Now()).
			Order("priority desc, created_at asc")
	default:
		q = q.Order("priority desc, created_at desc")
	}

	if cursor, ok := jobs.DecodeCursor(filter.Cursor); ok {
		q = q.Where("(priority, created_at, id) < (?, ?, ?)", cursor.Priority, cursor.CreatedAt, cursor.ID)
	}

	var rows []jobs.Job
	if err := q.Limit(limit + 1).Find(&rows).Error; err != nil {
		return jobs.Page{}, fmt.Errorf("jobs/postgres: list: %w", err)
	}

	page := jobs.Page{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.NextCursor = jobs.EncodeCursor(last.Priority, last.CreatedAt, last.ID)
	}
	page.Jobs = rows
	return page, nil
}

func (s *JobStore) UpdateProgress(ctx context.Context, id uuid.UUID, p jobs.Progress) error {
	p.Recompute()
	res := s.db.WithContext(ctx).Model(&jobs.Job{}).Where("id = ?", id).Update("progress", p)
	if res.Error != nil {
		return fmt.Errorf("jobs/postgres: update progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (s *JobStore) UpdateStatus(ctx context.Context, id uuid.UUID, u jobs.StatusUpdate) error {
	updates := map[string]interface{}{"status": u.Status}
	if u.Error != nil {
		updates["error"] = u.Error
	}
	if u.Retry != nil {
		updates["retry"] = *u.Retry
	}
	if u.Cancellation != nil {
		updates["cancellation"] = *u.Cancellation
	}
	if u.StartedAt != nil {
		updates["started_at"] = *u.StartedAt
	}
	if u.CompletedAt != nil {
		updates["completed_at"] = *u.CompletedAt
	}
	if u.ClearOutput {
		updates["output"] = jobs.JSONMap{}
	} else if u.Output != nil {
		updates["output"] = u.Output
	}

	res := s.db.WithContext(ctx).Model(&jobs.Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("jobs/postgres: update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (s *JobStore) SaveCheckpoint(ctx context.Context, id uuid.UUID, state jobs.JSONMap) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&jobs.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"checkpoint":            state,
		"checkpoint_updated_at": now,
	})
	if res.Error != nil {
		return fmt.Errorf("jobs/postgres: save checkpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (s *JobStore) GetCheckpoint(ctx context.Context, id uuid.UUID) (jobs.JSONMap, error) {
	var job jobs.Job
	if err := s.db.WithContext(ctx).Select("checkpoint").First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	return job.Checkpoint, nil
}

func (s *JobStore) AppendLog(ctx context.Context, entry *jobs.JobLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("jobs/postgres: append log: %w", err)
	}
	return nil
}

func (s *JobStore) GetLogs(ctx context.Context, jobID uuid.UUID, limit int) ([]jobs.JobLog, error) {
	if limit <= 0 {
		limit = 200
	}
	var logs []jobs.JobLog
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp asc").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("jobs/postgres: get logs: %w", err)
	}
	return logs, nil
}

// Cleanup deletes terminal jobs older than their status's retention window.
func (s *JobStore) Cleanup(ctx context.Context, r jobs.Retention) (int64, error) {
	var total int64

	if r.CompletedRetention > 0 {
		cutoff := time.Now().Add(-r.CompletedRetention)
		res := s.db.WithContext(ctx).
			Where("status = ? AND completed_at <= ?", jobs.StatusCompleted, cutoff).
			Delete(&jobs.Job{})
		if res.Error != nil {
			return total, fmt.Errorf("jobs/postgres: cleanup completed: %w", res.Error)
		}
		total += res.RowsAffected
	}

	if r.FailedRetention > 0 {
		cutoff := time.Now().Add(-r.FailedRetention)
		res := s.db.WithContext(ctx).
			Where("status IN ? AND completed_at <= ?", []jobs.Status{jobs.StatusFailed, jobs.StatusCancelled}, cutoff).
			Delete(&jobs.Job{})
		if res.Error != nil {
			return total, fmt.Errorf("jobs/postgres: cleanup failed: %w", res.Error)
		}
		total += res.RowsAffected
	}

	return total, nil
}
