package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

var (
	reviewMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_mutations_total",
			Help: "Review create/update/delete calls, by subject type, operation and outcome.",
		},
		[]string{"subject_type", "operation", "outcome"},
	)

	recomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rating_recompute_duration_seconds",
			Help:    "Time to recompute and store one subject aggregate inside its transaction.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"subject_type"},
	)

	writeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rating_write_retries_total",
			Help: "Transactions re-run after a transient database failure.",
		},
		[]string{"operation"},
	)

	aggregateWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rating_aggregate_write_failures_total",
			Help: "Mutations rejected because the aggregate could not be written within the retry budget.",
		},
		[]string{"operation"},
	)

	helpfulMarks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_helpful_marks_total",
			Help: "Helpful votes, by outcome (marked|duplicate|error).",
		},
		[]string{"outcome"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rating_cache_lookups_total",
			Help: "Rating projection cache lookups, by result (hit|miss|error).",
		},
		[]string{"result"},
	)

	reconcileDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rating_reconcile_drift_total",
			Help: "Aggregates found out of sync with their reviews and repaired.",
		},
		[]string{"subject_type"},
	)

	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rating_reconcile_runs_total",
			Help: "Reconciliation sweeps, by outcome.",
		},
		[]string{"outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeOK
}
