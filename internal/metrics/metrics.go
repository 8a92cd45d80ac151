// Package metrics exposes Ledge's Prometheus instrumentation, following
// the teacher's promauto.NewCounterVec conventions (internal/metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheStateTotal counts requests by final cache state
	// (HIT/MISS/WARM/SUBZERO-equivalent outcome), per spec §4.6
	// "Observable side effects".
	CacheStateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledge_cache_state_total",
			Help: "Requests by final cache state string",
		},
		[]string{"state"},
	)

	// CacheActionTotal counts the X-Cache-Action outcome of each request.
	CacheActionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledge_cache_action_total",
			Help: "Requests by cache action (FETCHED, COLLAPSED, none)",
		},
		[]string{"action"},
	)

	// OriginFetchDuration tracks how long upstream fetches take.
	OriginFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledge_origin_fetch_duration_seconds",
			Help:    "Duration of origin fetches",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CollapseOutcomeTotal counts leader/follower/timeout outcomes for
	// the request-coalescing path.
	CollapseOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledge_collapse_outcome_total",
			Help: "Collapse outcomes: leader, collapsed, fallback",
		},
		[]string{"outcome"},
	)

	// PurgeTotal counts purge requests by mode and result.
	PurgeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledge_purge_total",
			Help: "Purge requests by mode and result",
		},
		[]string{"mode", "result"},
	)

	// WorkerJobsTotal counts background jobs processed by class and outcome.
	WorkerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledge_worker_jobs_total",
			Help: "Background jobs processed by class and outcome",
		},
		[]string{"klass", "outcome"},
	)

	// WorkerJobDuration tracks background job processing time by class.
	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledge_worker_job_duration_seconds",
			Help:    "Background job duration by class",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"klass"},
	)
)
