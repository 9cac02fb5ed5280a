package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Launcher-side instrumentation, exposed on /metrics and scraped by the
// fleet-side Prometheus through the gateway tunnel.
var (
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launcher",
		Name:      "heartbeats_total",
		Help:      "Heartbeats received per service.",
	}, []string{"service"})

	MalformedIngressTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "launcher",
		Name:      "malformed_ingress_total",
		Help:      "Bus payloads dropped at the transport boundary.",
	})

	ServiceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "launcher",
		Name:      "service_up",
		Help:      "1 when the service reports Running, 0 otherwise.",
	}, []string{"service"})

	VersionChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launcher",
		Name:      "version_checks_total",
		Help:      "Release feed checks by outcome.",
	}, []string{"outcome"})

	UpdateJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launcher",
		Name:      "update_jobs_total",
		Help:      "Update jobs reaching a terminal state.",
	}, []string{"service", "state"})

	UpdateDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "launcher",
		Name:      "update_duration_seconds",
		Help:      "Wall time of update jobs from proposal to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"service"})

	RollbackFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launcher",
		Name:      "rollback_failures_total",
		Help:      "Restore attempts that failed, leaving the service degraded.",
	}, []string{"service"})
)
