// Package metrics holds the Prometheus collectors for the visit engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "visit"

var (
	// Registry is the dedicated registry served on /metrics.
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, route pattern, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)

	// Transitions counts waypoint transitions by action and outcome.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "waypoint_transitions_total", Help: "Waypoint transitions by action and result."},
		[]string{"action", "result"},
	)
	// LedgerEntries counts reschedule ledger writes by resulting entry status.
	LedgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reschedule_entries_total", Help: "Reschedule ledger writes by entry status."},
		[]string{"status"},
	)
	// Occurrences counts occurrence counter increments.
	Occurrences = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "occurrences_counted_total", Help: "Occurrences consumed by settled waypoints."},
	)

	// BillingRecords counts derived billing records by status.
	BillingRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "billing_records_total", Help: "Derived billing records by status."},
		[]string{"status"},
	)
	// BillingWarnings counts data-quality warnings raised during derivation.
	BillingWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "billing_warnings_total", Help: "Billing data-quality warnings by kind."},
		[]string{"warning"},
	)

	// JobRuns counts batch job runs by job and final status.
	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_runs_total", Help: "Batch job runs by job and status."},
		[]string{"job", "status"},
	)
	// JobFailures counts per-owner failures isolated by batch jobs.
	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_unit_failures_total", Help: "Units that failed inside a batch run."},
		[]string{"job"},
	)
	// JobDuration records batch run durations in seconds.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "job_duration_seconds", Help: "Batch job duration in seconds.", Buckets: prometheus.ExponentialBuckets(0.01, 2, 15)},
		[]string{"job"},
	)
)

var regOnce sync.Once

// RegisterDefault registers all collectors on Registry. Safe to call repeatedly.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			Transitions, LedgerEntries, Occurrences,
			BillingRecords, BillingWarnings,
			JobRuns, JobFailures, JobDuration,
		)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, path, status string, d time.Duration) {
	HTTPRequests.WithLabelValues(method, path, status).Inc()
	HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordJobRun records one finished batch run.
func RecordJobRun(job, status string, failures int, d time.Duration) {
	JobRuns.WithLabelValues(job, status).Inc()
	JobFailures.WithLabelValues(job).Add(float64(failures))
	JobDuration.WithLabelValues(job).Observe(d.Seconds())
}
