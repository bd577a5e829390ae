package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsSubmitted counts validation submissions by outcome (approved|rejected).
	ValidationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgekit_validations_submitted_total",
			Help: "Total number of validation submissions",
		},
		[]string{"outcome"},
	)

	// BadgesIssued counts badges reaching issued state.
	BadgesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "badgekit_badges_issued_total",
			Help: "Total number of badges issued",
		},
	)

	// BadgesRetracted counts issued badges that were retracted.
	BadgesRetracted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "badgekit_badges_retracted_total",
			Help: "Total number of issued badges retracted",
		},
	)

	// PropagationRuns counts cache propagation executions by result (ok|error).
	PropagationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgekit_propagation_runs_total",
			Help: "Total number of cache propagation executions",
		},
		[]string{"result"},
	)

	// JobsProcessed counts background jobs by type and result (done|retry|failed).
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgekit_jobs_processed_total",
			Help: "Total number of background jobs processed",
		},
		[]string{"type", "result"},
	)

	// JobQueueDepth tracks jobs currently awaiting execution.
	JobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "badgekit_job_queue_depth",
			Help: "Number of scheduled jobs awaiting execution",
		},
	)

	// AuthAttempts counts login attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badgekit_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "badgekit_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
