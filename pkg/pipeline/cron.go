package pipeline

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"skeenode/pkg/logger"
)

// CronTrigger evaluates schedule-type pipeline triggers and calls
// RunPipeline when they fire. It is a thin adapter over robfig/cron: each
// enabled schedule trigger becomes one cron entry, registered by Sync.
// cmd/api calls Sync once at startup; pipelines created, updated or deleted
// afterwards are not picked up until Sync runs again.
type CronTrigger struct {
	engine *Engine
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // pipelineId -> entry
}

func NewCronTrigger(engine *Engine) *CronTrigger {
	return &CronTrigger{
		engine:  engine,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

func (c *CronTrigger) Start() { c.cron.Start() }
func (c *CronTrigger) Stop()  { <-c.cron.Stop().Done() }

// Sync re-registers every enabled schedule-trigger pipeline's cron entry,
// replacing any prior registration for that pipeline id.
func (c *CronTrigger) Sync(ctx context.Context) error {
	page, err := c.engine.ListPipelines(ctx, ListFilter{Limit: 1000})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool, len(page.Pipelines))
	for _, p := range page.Pipelines {
		seen[p.ID.String()] = true
		if !p.Enabled || p.Trigger.Type != TriggerSchedule || !p.Trigger.Enabled {
			c.removeLocked(p.ID.String())
			continue
		}
		expr, _ := p.Trigger.Config["cron"].(string)
		if expr == "" {
			continue
		}
		c.removeLocked(p.ID.String())
		pipelineID := p.ID
		id, err := c.cron.AddFunc(expr, func() {
			if _, err := c.engine.RunPipeline(context.Background(), pipelineID, RunOptions{
				TriggeredBy: TriggeredBy{Type: "schedule"},
			}); err != nil {
				logger.Warn("cron trigger run failed", zap.String("pipelineId", pipelineID.String()), zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron trigger invalid expression", zap.String("pipelineId", pipelineID.String()), zap.Error(err))
			continue
		}
		c.entries[p.ID.String()] = id
	}
	for id := range c.entries {
		if !seen[id] {
			c.removeLocked(id)
		}
	}
	return nil
}

func (c *CronTrigger) removeLocked(pipelineID string) {
	if id, ok := c.entries[pipelineID]; ok {
		c.cron.Remove(id)
		delete(c.entries, pipelineID)
	}
}
