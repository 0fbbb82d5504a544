package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"skeenode/pkg/pipeline"
)

// PipelineStore is the GORM/PostgreSQL-backed pipeline.Store.
type PipelineStore struct {
	db *gorm.DB
}

// NewPipelineStore opens a GORM connection and AutoMigrates the pipeline
// engine's schema. It may share a *gorm.DB with JobStore in practice; kept
// separate here so either store can be wired independently.
func NewPipelineStore(connString string) (*PipelineStore, error) {
	cfg := &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(gormpostgres.Open(connString), cfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline/postgres: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&pipeline.Pipeline{}, &pipeline.PipelineRun{}); err != nil {
		return nil, fmt.Errorf("pipeline/postgres: migrate: %w", err)
	}

	return &PipelineStore{db: db}, nil
}

func (s *PipelineStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PipelineStore) CreatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("pipeline/postgres: create pipeline: %w", err)
	}
	return nil
}

func (s *PipelineStore) GetPipeline(ctx context.Context, id uuid.UUID) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pipeline.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *PipelineStore) UpdatePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	res := s.db.WithContext(ctx).Save(p)
	if res.Error != nil {
		return fmt.Errorf("pipeline/postgres: update pipeline: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func (s *PipelineStore) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&pipeline.Pipeline{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("pipeline/postgres: delete pipeline: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

type pipelineCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        uuid.UUID `json:"i"`
}

func encodePipelineCursor(createdAt time.Time, id uuid.UUID) string {
	b, _ := json.Marshal(pipelineCursor{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePipelineCursor(s string) (pipelineCursor, bool) {
	var c pipelineCursor
	if s == "" {
		return c, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, false
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, false
	}
	return c, true
}

func (s *PipelineStore) ListPipelines(ctx context.Context, filter pipeline.ListFilter) (pipeline.ListPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&pipeline.Pipeline{}).Order("created_at desc, id desc")
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.Enabled != nil {
		q = q.Where("enabled = ?", *filter.Enabled)
	}
	if filter.NameContains != "" {
		q = q.Where("name ILIKE ?", "%"+filter.NameContains+"%")
	}
	if cursor, ok := decodePipelineCursor(filter.Cursor); ok {
		q = q.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	var rows []pipeline.Pipeline
	if err := q.Limit(limit + 1).Find(&rows).Error; err != nil {
		return pipeline.ListPage{}, fmt.Errorf("pipeline/postgres: list pipelines: %w", err)
	}

	if len(filter.Tags) > 0 {
		rows = filterByAnyTag(rows, filter.Tags)
	}

	page := pipeline.ListPage{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.NextCursor = encodePipelineCursor(last.CreatedAt, last.ID)
	}
	page.Pipelines = rows
	return page, nil
}

func filterByAnyTag(rows []pipeline.Pipeline, tags []string) []pipeline.Pipeline {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	out := rows[:0]
	for _, p := range rows {
		for _, t := range p.Tags {
			if want[t] {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (s *PipelineStore) RecordRunStats(ctx context.Context, pipelineID uuid.UUID, success bool, durationMs float64) error {
	var p pipeline.Pipeline
	if err := s.db.WithContext(ctx).First(&p, "id = ?", pipelineID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pipeline.ErrNotFound
		}
		return err
	}

	stats := p.Stats
	total := stats.TotalRuns + 1
	stats.AverageDurationMs = (stats.AverageDurationMs*float64(stats.TotalRuns) + durationMs) / float64(total)
	stats.TotalRuns = total
	if success {
		stats.SuccessfulRuns++
	} else {
		stats.FailedRuns++
	}

	if err := s.db.WithContext(ctx).Model(&pipeline.Pipeline{}).Where("id = ?", pipelineID).Update("stats", stats).Error; err != nil {
		return fmt.Errorf("pipeline/postgres: record run stats: %w", err)
	}
	return nil
}

func (s *PipelineStore) CreateRun(ctx context.Context, r *pipeline.PipelineRun) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("pipeline/postgres: create run: %w", err)
	}
	return nil
}

func (s *PipelineStore) GetRun(ctx context.Context, id uuid.UUID) (*pipeline.PipelineRun, error) {
	var r pipeline.PipelineRun
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pipeline.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PipelineStore) UpdateRun(ctx context.Context, r *pipeline.PipelineRun) error {
	res := s.db.WithContext(ctx).Save(r)
	if res.Error != nil {
		return fmt.Errorf("pipeline/postgres: update run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func (s *PipelineStore) ListRuns(ctx context.Context, filter pipeline.RunFilter) (pipeline.RunPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&pipeline.PipelineRun{}).Order("created_at desc, id desc")
	if filter.PipelineID != uuid.Nil {
		q = q.Where("pipeline_id = ?", filter.PipelineID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if cursor, ok := decodePipelineCursor(filter.Cursor); ok {
		q = q.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	var rows []pipeline.PipelineRun
	if err := q.Limit(limit + 1).Find(&rows).Error; err != nil {
		return pipeline.RunPage{}, fmt.Errorf("pipeline/postgres: list runs: %w", err)
	}

	page := pipeline.RunPage{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.NextCursor = encodePipelineCursor(last.CreatedAt, last.ID)
	}
	page.Runs = rows
	return page, nil
}
