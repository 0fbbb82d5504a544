package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator.
// Using promauto for automatic registration with the default registry.
var (
	// --- Job Metrics ---

	// JobsTotal counts terminal job outcomes by status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	// JobDuration tracks job execution duration from start to terminal status.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~1.8h
		},
		[]string{"job_type", "status"},
	)

	// RetriesTotal counts job retry attempts by type.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Total number of job retry attempts",
		},
		[]string{"job_type"},
	)

	// --- Scheduler Metrics ---

	// SchedulerLag measures delay between admission eligibility and dispatch.
	SchedulerLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "scheduler",
			Name:      "lag_seconds",
			Help:      "Delay between a job becoming eligible and being dispatched",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
	)

	// SchedulerPolls counts scheduler poll cycles.
	SchedulerPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "scheduler",
			Name:      "polls_total",
			Help:      "Total number of scheduler poll cycles",
		},
	)

	// JobsDispatched counts jobs dispatched per cycle.
	JobsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "scheduler",
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs dispatched",
		},
	)

	// InFlightJobs tracks the current size of the admission set.
	InFlightJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "scheduler",
			Name:      "in_flight_jobs",
			Help:      "Number of jobs currently admitted for execution",
		},
		[]string{"job_type"},
	)

	// --- Queue Metrics ---

	// QueueDepth tracks pending jobs eligible for admission.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "queue",
			Name:      "pending_jobs",
			Help:      "Number of jobs pending admission",
		},
	)

	// --- Pipeline Metrics ---

	// PipelineRunsTotal counts terminal pipeline run outcomes.
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "pipelines",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs reaching a terminal status",
		},
		[]string{"pipeline_id", "status"},
	)

	// StepDuration tracks per-step execution duration.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "pipelines",
			Name:      "step_duration_seconds",
			Help:      "Duration of a single pipeline step execution",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"step_type", "status"},
	)

	// ApprovalsPending tracks pipeline runs parked on a human approval gate.
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "pipelines",
			Name:      "approvals_pending",
			Help:      "Number of approval steps currently awaiting a decision",
		},
	)

	// --- Cluster Metrics ---

	// ActiveNodes tracks number of active orchestrator nodes (leader election).
	ActiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "cluster",
			Name:      "active_nodes",
			Help:      "Number of active orchestrator nodes observed",
		},
	)

	// IsLeader reports (0/1) whether this node currently holds leadership.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "cluster",
			Name:      "is_leader",
			Help:      "1 if this node currently holds the coordination leader lock",
		},
	)
)

// RecordJobTerminal records metrics for a job reaching a terminal status.
func RecordJobTerminal(jobType, status string, durationSeconds float64) {
	JobsTotal.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(jobType, status).Observe(durationSeconds)
}

// RecordDispatch records a job being dispatched.
func RecordDispatch(lagSeconds float64) {
	JobsDispatched.Inc()
	SchedulerLag.Observe(lagSeconds)
}
