package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skeenode/pkg/logger"
)

// Channel taxonomy — verbatim strings form the wire contract (§4.5).
const (
	ChannelSystemJobs    = "system:jobs"
	ChannelSessionJob    = "session:job"
	ChannelWorkspaceGraph = "workspace:graph"
	ChannelFleetSyncSession  = "fleet:sync:session"
	ChannelFleetSweepSession = "fleet:sweep:session"
)

// Job lifecycle event types emitted by C2/C3.
const (
	TypeJobCreated   = "job.created"
	TypeJobStarted   = "job.started"
	TypeJobProgress  = "job.progress"
	TypeJobPaused    = "job.paused"
	TypeJobResumed   = "job.resumed"
	TypeJobCancelled = "job.cancelled"
	TypeJobFailed    = "job.failed"
	TypeJobCompleted = "job.completed"
)

// Event is the normalized envelope published to every channel.
type Event struct {
	Type      string                 `json:"type"`
	Payload   interface{}            `json:"payload"`
	Metadata  map[string]string      `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher normalizes and fans out lifecycle events. A nil Bus makes it a
// no-op, so callers (tests, handlers without an event transport) never have
// to special-case absence of a bus.
type Publisher struct {
	bus Bus
}

func NewPublisher(bus Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish normalizes payload/metadata and fans out to channel plus any
// extra channels (e.g. both system:jobs and session:job for the same
// event). Bus failures are swallowed and logged — §4.5: "the source of
// truth is the store."
func (p *Publisher) Publish(ctx context.Context, eventType string, payload interface{}, correlationID string, channels ...string) {
	if p == nil || p.bus == nil {
		return
	}
	meta := map[string]string{"correlationId": correlationID}
	for _, ch := range channels {
		if err := p.bus.Publish(ctx, ch, eventType, payload, meta); err != nil {
			logger.Warn("event publish failed",
				zap.String("channel", ch), zap.String("type", eventType), zap.Error(err))
		}
	}
}

// NewCorrelationID mints a fresh correlation id for events that don't
// already belong to a request/run.
func NewCorrelationID() string {
	return uuid.NewString()
}
