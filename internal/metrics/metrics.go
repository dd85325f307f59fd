package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmittedTotal counts print requests accepted by the API
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printgate_jobs_submitted_total",
			Help: "Total number of print jobs submitted",
		},
		[]string{"mode"},
	)

	// JobsPrintedTotal counts jobs delivered to the printer
	JobsPrintedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printgate_jobs_printed_total",
			Help: "Total number of print jobs delivered to the printer",
		},
		[]string{"via"},
	)

	// JobsQueuedTotal counts jobs appended to the retry queue
	JobsQueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printgate_jobs_queued_total",
			Help: "Total number of print jobs appended to the retry queue",
		},
	)

	// JobsDroppedTotal counts jobs that exhausted their attempts
	JobsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printgate_jobs_dropped_total",
			Help: "Total number of print jobs dropped after max attempts",
		},
	)

	// JobsFailedTotal counts failed immediate dispatches by failure kind
	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printgate_dispatch_failures_total",
			Help: "Total number of failed dispatch attempts",
		},
		[]string{"kind"},
	)

	// RetryAttemptsTotal counts retry queue delivery attempts
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printgate_retry_attempts_total",
			Help: "Total number of retry queue delivery attempts",
		},
		[]string{"result"},
	)

	// CircuitRejectionsTotal counts dispatches refused by the open breaker
	CircuitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printgate_circuit_rejections_total",
			Help: "Total number of dispatches rejected by the circuit breaker",
		},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printgate_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	// QueueDepth gauge for jobs waiting in the retry queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printgate_queue_depth",
			Help: "Number of jobs waiting in the retry queue",
		},
	)

	// RecoveryRunsTotal counts recovery ladder runs
	RecoveryRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printgate_recovery_runs_total",
			Help: "Total number of recovery ladder runs",
		},
		[]string{"result"},
	)

	// AbandonedWorkersTotal counts device workers left running past the grace period
	AbandonedWorkersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printgate_abandoned_workers_total",
			Help: "Total number of device workers abandoned after a timeout",
		},
	)

	// DispatchDuration observes device dispatch latency
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printgate_dispatch_duration_seconds",
			Help:    "Time spent dispatching a job to the printer",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"result"},
	)

	// RateLimitRejections counts requests rejected by the per-client limiter
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printgate_rate_limit_rejections_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
	)
)
