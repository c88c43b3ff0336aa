package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the job subsystem. The JSON metrics endpoint
// is computed from the status store; these series are the operational layer
// scraped alongside it.
var (
	jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuepilot_jobs_dispatched_total",
		Help: "Jobs admitted to the queue, by type.",
	}, []string{"type"})

	jobsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuepilot_jobs_deadlettered_total",
		Help: "Jobs that exhausted their retry budget, by type.",
	}, []string{"type"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "issuepilot_job_attempts_total",
		Help: "Handler attempts, by type and outcome.",
	}, []string{"type", "outcome"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "issuepilot_job_attempt_duration_seconds",
		Help:    "Handler attempt latency, by type.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"type"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "issuepilot_job_queue_depth",
		Help: "Jobs currently waiting in the queue.",
	})
)

func observeAttempt(jobType string, succeeded bool, d time.Duration) {
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	attemptsTotal.WithLabelValues(jobType, outcome).Inc()
	attemptDuration.WithLabelValues(jobType).Observe(d.Seconds())
}
