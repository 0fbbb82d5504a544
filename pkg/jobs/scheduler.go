package jobs

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"skeenode/pkg/events"
	"skeenode/pkg/logger"
	"skeenode/pkg/metrics"
)

// ConcurrencyConfig bounds how many jobs may be admitted at once, at three
// granularities (§5).
type ConcurrencyConfig struct {
	Global     int
	PerType    map[string]int
	PerSession int
}

// TimeoutConfig resolves the per-job execution timeout (§6).
type TimeoutConfig struct {
	Default int64 // milliseconds
	PerType map[string]int64
}

// Config bundles the Scheduler's tunables, all sourced from configs.Config.
type Config struct {
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
	Concurrency       ConcurrencyConfig
	Timeouts          TimeoutConfig
}

// Scheduler is the C2 Job Scheduler: a single-threaded admission loop that
// polls the Store for eligible jobs and hands each to a goroutine running
// the C3 executor contract. It never schedules across nodes — §5/§9 scope
// this to one cooperating process. The loop is not gated on etcd leader
// election: cmd/api starts it whether or not the process holds leadership.
type Scheduler struct {
	store     Store
	registry  *Registry
	publisher *events.Publisher
	config    Config
	retryConfig RetryConfig

	mu         sync.Mutex
	inFlight   map[uuid.UUID]*cancelToken
	byType     map[string]int
	bySession  map[string]int

	wake   chan struct{}
	wg     sync.WaitGroup
	cap    int
}

// NewScheduler constructs a Scheduler. Capacity, when cfg.Concurrency.Global
// is 0, is computed
// from detected CPU count the way the teacher's executor sizes its worker
// pool (pkg/executor/core.go's detectTotalMemory/runtime.NumCPU pattern).
func NewScheduler(store Store, registry *Registry, publisher *events.Publisher, cfg Config, retryCfg RetryConfig) *Scheduler {
	s := &Scheduler{
		store:       store,
		registry:    registry,
		publisher:   publisher,
		config:      cfg,
		retryConfig: retryCfg,
		inFlight:    make(map[uuid.UUID]*cancelToken),
		byType:      make(map[string]int),
		bySession:   make(map[string]int),
		wake:        make(chan struct{}, 1),
	}
	if cfg.Concurrency.Global > 0 {
		s.cap = cfg.Concurrency.Global
	} else {
		s.cap = detectCapacity()
	}
	return s
}

func detectCapacity() int {
	n := runtime.NumCPU()
	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		n = counts
	}
	if n < 1 {
		n = 1
	}
	return n * 4
}

// Trigger requests an out-of-cycle poll, e.g. immediately after createJob
// or retryJob so a newly-eligible job needn't wait for the next tick.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler's poll loop. It blocks until ctx is cancelled, at
// which point it waits up to config.ShutdownTimeout for in-flight jobs to
// finish before force-cancelling the rest with reason "service shutdown".
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.pollAndDispatch(ctx)
		case <-s.wake:
			s.pollAndDispatch(ctx)
		}
	}
}

func (s *Scheduler) shutdown() {
	logger.Info("scheduler shutting down, waiting for in-flight jobs")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(s.config.ShutdownTimeout):
		s.mu.Lock()
		tokens := make([]*cancelToken, 0, len(s.inFlight))
		for _, t := range s.inFlight {
			tokens = append(tokens, t)
		}
		s.mu.Unlock()
		for _, t := range tokens {
			t.cancel("service shutdown", "scheduler")
		}
		<-done
	}
}

func (s *Scheduler) pollAndDispatch(ctx context.Context) {
	metrics.SchedulerPolls.Inc()

	budget := s.availableSlots()
	if budget <= 0 {
		return
	}

	page, err := s.store.List(ctx, Filter{
		Status: StatusPending,
		Limit:  budget * 4, // over-fetch; per-type/session admission may reject some
		Order:  OrderScheduling,
	})
	if err != nil {
		logger.Error("scheduler: list eligible jobs failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, job := range page.Jobs {
		if job.RetryNextAt != nil && job.RetryNextAt.After(now) {
			continue
		}
		if !s.admit(job) {
			continue
		}
		s.dispatch(ctx, job)
		budget--
		if budget <= 0 {
			break
		}
	}
}

func (s *Scheduler) availableSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap - len(s.inFlight)
}

// admit enforces the global/per-type/per-session concurrency limits and, on
// success, reserves a slot in the in-flight admission set.
func (s *Scheduler) admit(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inFlight) >= s.cap {
		return false
	}
	if limit, ok := s.config.Concurrency.PerType[job.Type]; ok && s.byType[job.Type] >= limit {
		return false
	}
	if s.config.Concurrency.PerSession > 0 && job.SessionID != "" && s.bySession[job.SessionID] >= s.config.Concurrency.PerSession {
		return false
	}

	s.inFlight[job.ID] = &cancelToken{}
	s.byType[job.Type]++
	if job.SessionID != "" {
		s.bySession[job.SessionID]++
	}
	metrics.InFlightJobs.WithLabelValues(job.Type).Set(float64(s.byType[job.Type]))
	return true
}

func (s *Scheduler) release(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, job.ID)
	s.byType[job.Type]--
	if s.byType[job.Type] <= 0 {
		delete(s.byType, job.Type)
	}
	if job.SessionID != "" {
		s.bySession[job.SessionID]--
		if s.bySession[job.SessionID] <= 0 {
			delete(s.bySession, job.SessionID)
		}
	}
	metrics.InFlightJobs.WithLabelValues(job.Type).Set(float64(s.byType[job.Type]))
}

func (s *Scheduler) dispatch(ctx context.Context, job Job) {
	s.mu.Lock()
	token := s.inFlight[job.ID]
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(job)
		s.runJob(ctx, job, token)
		s.Trigger()
	}()
}

// CancelJob requests cooperative cancellation of a currently in-flight job.
// Jobs not currently admitted are cancelled directly against the store by
// the public API layer (see Service.CancelJob in service.go), since there
// is no token to signal.
func (s *Scheduler) CancelJob(jobID uuid.UUID, requestedBy, reason string) bool {
	s.mu.Lock()
	token, ok := s.inFlight[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	token.cancel(reason, requestedBy)
	return true
}
