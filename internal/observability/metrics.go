package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the covar services, registered on the default
// registry and served on /metrics. Label values come from the stable
// vocabularies in pkg/types: row statuses, batch outcomes, resolution
// methods.
var (
	// RowsIngested counts rows processed by the ingest pipeline, by row status.
	RowsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covar_rows_ingested_total",
		Help: "Rows processed by the ingest pipeline, labeled by row status.",
	}, []string{"status"})

	// BatchesProcessed counts completed upload batches, by outcome.
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covar_batches_total",
		Help: "Completed upload batches, labeled by batch outcome.",
	}, []string{"outcome"})

	// Resolutions counts identity resolutions, by method.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covar_resolutions_total",
		Help: "Identity resolutions, labeled by resolution method.",
	}, []string{"method"})

	// LockTimeouts counts participant merge locks that timed out.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "covar_lock_timeouts_total",
		Help: "Participant merge lock acquisitions that timed out.",
	})

	// QueryDuration observes end-to-end cohort query evaluation time.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "covar_query_duration_seconds",
		Help:    "End-to-end cohort query evaluation duration.",
		Buckets: prometheus.DefBuckets,
	})

	// PredicateEvaluations counts individual predicate evaluations, by operation.
	PredicateEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covar_predicate_evaluations_total",
		Help: "Individual predicate evaluations, labeled by operation.",
	}, []string{"op"})

	// ArchiveBytes counts raw upload bytes written to the archive.
	ArchiveBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "covar_archive_bytes_total",
		Help: "Raw upload bytes written to the archive, before compression.",
	})

	// MaintenanceRuns counts scheduled maintenance job executions, by job.
	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covar_maintenance_runs_total",
		Help: "Scheduled maintenance job executions, labeled by job.",
	}, []string{"job"})

	// HTTPRequests counts API requests by method, route pattern, and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "covar_http_requests_total",
		Help: "API requests, labeled by method, route, and status code.",
	}, []string{"method", "route", "status"})
)
