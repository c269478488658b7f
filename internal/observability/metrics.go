package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	apiRequestsTotal    *prometheus.CounterVec
	apiLatencySeconds   *prometheus.HistogramVec
	apiErrorsTotal      *prometheus.CounterVec
	gradingJobsTotal    *prometheus.CounterVec
	gradingAttempts     *prometheus.CounterVec
	gradingJobSeconds   prometheus.Histogram
	batchesCompleted    prometheus.Counter
	queueDepth          prometheus.Gauge
	progressClients     prometheus.Gauge
	scriptUploadsTotal  *prometheus.CounterVec
	statsCacheLookups   *prometheus.CounterVec
	manualEditsTotal    *prometheus.CounterVec
	optimisticConflicts prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the API and workers.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		gradingJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_jobs_total",
			Help: "Grading jobs by terminal outcome.",
		}, []string{"outcome"})

		gradingAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_job_attempts_total",
			Help: "Individual grading attempts by result.",
		}, []string{"result"})

		gradingJobSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grader_job_duration_seconds",
			Help:    "Wall time from dequeue to terminal outcome.",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		})

		batchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_batches_completed_total",
			Help: "Evaluations that reached the completed state.",
		})

		queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_queue_depth",
			Help: "Jobs waiting for a worker, sampled by the worker loop.",
		})

		progressClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_progress_clients_active",
			Help: "Open progress stream subscriptions.",
		})

		scriptUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_script_uploads_total",
			Help: "Answer script uploads by result.",
		}, []string{"result"})

		statsCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_stats_cache_lookups_total",
			Help: "Aggregated stats cache lookups by result.",
		}, []string{"result"})

		manualEditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_manual_edits_total",
			Help: "Reviewer edits applied to grading results.",
		}, []string{"op"})

		optimisticConflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_optimistic_conflicts_total",
			Help: "Submission writes rejected by the version check.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			gradingJobsTotal, gradingAttempts, gradingJobSeconds, batchesCompleted,
			queueDepth, progressClients, scriptUploadsTotal, statsCacheLookups,
			manualEditsTotal, optimisticConflicts,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// GradingJobs counts terminal job outcomes (succeeded, failed, discarded).
func GradingJobs() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingJobsTotal
}

// GradingAttempts counts single oracle attempts (ok, transient, structural).
func GradingAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingAttempts
}

func GradingJobDuration() prometheus.Histogram {
	RegisterMetrics()
	return gradingJobSeconds
}

func BatchesCompleted() prometheus.Counter {
	RegisterMetrics()
	return batchesCompleted
}

func QueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return queueDepth
}

func ProgressClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return progressClients
}

func ScriptUploads() *prometheus.CounterVec {
	RegisterMetrics()
	return scriptUploadsTotal
}

func StatsCacheLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return statsCacheLookups
}

func ManualEdits() *prometheus.CounterVec {
	RegisterMetrics()
	return manualEditsTotal
}

func OptimisticConflicts() prometheus.Counter {
	RegisterMetrics()
	return optimisticConflicts
}
