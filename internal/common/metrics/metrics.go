// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)

	AuditsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_audits_recorded_total",
			Help: "Audits counted against a user's usage ledger",
		},
		[]string{"plan"},
	)

	AuditsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_audits_denied_total",
			Help: "Audit requests denied by the daily limit",
		},
		[]string{"plan"},
	)

	BetaAuditsExempt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_beta_audits_exempt_total",
			Help: "Audits by beta users that bypassed the usage ledger",
		},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_persistence_failures_total",
			Help: "Usage writes that failed or were not observed on read-back",
		},
	)

	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usage_lock_wait_seconds",
			Help:    "Time spent waiting for the per-user usage lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)
