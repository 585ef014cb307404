// Package metrics holds the Prometheus collectors for the billing endpoints
// and the reconciliation worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
	"github.com/rexanwong/textbehindimage/backend/internal/worker"
)

const (
	namespace = "textbehindimage"
	subsystem = "billing"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CheckoutSessionsTotal counts checkout session attempts by plan type and outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "checkout_sessions_total",
		Help:      "Checkout session attempts by plan type and outcome.",
	}, []string{"plan_type", "outcome"})

	// CancellationsTotal counts subscription cancellations by outcome.
	CancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cancellations_total",
		Help:      "Subscription cancellation attempts by outcome.",
	}, []string{"outcome"})

	// JobsTotal counts reconciliation job lifecycle transitions.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_total",
		Help:      "Reconciliation job transitions by job type and event.",
	}, []string{"job_type", "event"})

	// JobDuration tracks reconciliation job run time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "job_duration_seconds",
		Help:      "Reconciliation job duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job_type"})

	// WorkerActiveJobs reports jobs currently held by the worker.
	WorkerActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "worker_active_jobs",
		Help:      "Jobs currently being processed by this instance.",
	})
)

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WorkerInstrumentation feeds worker lifecycle hooks into the job collectors.
func WorkerInstrumentation() *worker.Instrumentation {
	return &worker.Instrumentation{
		OnEnqueue: func(job *models.Job) {
			JobsTotal.WithLabelValues(job.JobType, "enqueued").Inc()
		},
		OnStart: func(job *models.Job) {
			JobsTotal.WithLabelValues(job.JobType, "started").Inc()
		},
		OnComplete: func(job *models.Job, d time.Duration) {
			JobsTotal.WithLabelValues(job.JobType, "completed").Inc()
			JobDuration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			JobsTotal.WithLabelValues(job.JobType, "failed").Inc()
			JobDuration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			JobsTotal.WithLabelValues(job.JobType, "retried").Inc()
		},
		OnHeartbeat: func(_ string, stats worker.Stats) {
			WorkerActiveJobs.Set(float64(stats.ActiveWorkers))
		},
	}
}

var (
	// HTTPRequestsTotal counts handled requests by route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route pattern and status code.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// HTTPResponseBytes tracks response sizes by route pattern.
	HTTPResponseBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "HTTP response size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 6),
	}, []string{"method", "route"})
)
