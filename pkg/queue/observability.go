package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_jobs_enqueued_total",
			Help: "Total number of jobs accepted by enqueue",
		},
		[]string{"store", "type"},
	)

	jobsRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_jobs_rate_limited_total",
			Help: "Total number of enqueues rejected by rate limiting or idempotency backoff",
		},
		[]string{"scope"},
	)

	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"type", "status"},
	)

	jobsDedupedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_jobs_deduplicated_total",
			Help: "Total number of enqueues resolved to an existing job via idempotency key",
		},
		[]string{"type"},
	)

	jobsProcessing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobvault_jobs_processing",
			Help: "Jobs currently under an active lease",
		},
	)

	workerHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobvault_worker_handled_total",
			Help: "Total number of job attempts finished by the embedded worker",
		},
		[]string{"type", "outcome"},
	)
)

func recordEnqueued(store, jobType string) {
	jobsEnqueuedTotal.WithLabelValues(metricLabel(store), metricLabel(jobType)).Inc()
}

func recordRateLimited(err error) {
	scope := "unknown"
	if rle, ok := asRateLimitError(err); ok {
		scope = rle.Scope
	}
	jobsRateLimitedTotal.WithLabelValues(metricLabel(scope)).Inc()
}

func recordFinished(jobType string, status Status) {
	jobsFinishedTotal.WithLabelValues(metricLabel(jobType), string(status)).Inc()
}

func recordDeduplicated(jobType string) {
	jobsDedupedTotal.WithLabelValues(metricLabel(jobType)).Inc()
}

func recordWorkerHandled(jobType, outcome string) {
	workerHandledTotal.WithLabelValues(metricLabel(jobType), metricLabel(outcome)).Inc()
}

func metricLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
