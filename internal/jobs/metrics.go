// Package jobs instruments the service's background jobs.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricJobsTotal       = "payments_background_jobs_total"
	MetricJobsDuration    = "payments_background_jobs_duration_seconds"
	MetricJobErrorsTotal  = "payments_background_job_errors_total"
	MetricJobItemsTouched = "payments_background_job_items_total"
)

// Job types.
const (
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
	JobTypeReceiptArchive     = "receipt_archive"
)

// Completion statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds the background job collectors. Safe for concurrent use.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	itemsTouched *prometheus.CounterVec
}

// NewMetrics creates unregistered job metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobsTotal,
				Help: "Background job runs by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricJobsDuration,
				Help:    "Background job run duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobErrorsTotal,
				Help: "Background job errors by type and error class",
			},
			[]string{"job_type", "error_type"},
		),
		itemsTouched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobItemsTouched,
				Help: "Items processed by background jobs (keys evicted, receipts archived)",
			},
			[]string{"job_type"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector, for registration and tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors, m.itemsTouched}
}

// IncJobsTotal counts one finished run.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a run duration.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors counts one failed run by error class.
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// AddItems adds n processed items for jobType.
func (m *Metrics) AddItems(jobType string, n int64) {
	if n > 0 {
		m.itemsTouched.WithLabelValues(jobType).Add(float64(n))
	}
}

// Track runs fn and records its duration, outcome and item count.
// A nil receiver runs fn without recording anything.
func (m *Metrics) Track(ctx context.Context, jobType string, fn func(ctx context.Context) (int64, error)) (int64, error) {
	start := time.Now()
	n, err := fn(ctx)
	if m == nil {
		return n, err
	}

	m.ObserveJobDuration(jobType, time.Since(start).Seconds())
	m.AddItems(jobType, n)
	if err != nil {
		m.IncJobsTotal(jobType, StatusFailure)
		m.IncJobErrors(jobType, classify(err))
		return n, err
	}
	m.IncJobsTotal(jobType, StatusSuccess)
	return n, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}
