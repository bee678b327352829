package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecf",
		Subsystem: "transport",
		Name:      "attempts_total",
		Help:      "Outbound HTTP attempts by host and outcome",
	}, []string{"host", "outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecf",
		Subsystem: "transport",
		Name:      "retries_total",
		Help:      "Outbound HTTP retries by host",
	}, []string{"host"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecf",
		Subsystem: "transport",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of outbound HTTP attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{"host"})

	breakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ecf",
		Subsystem: "transport",
		Name:      "breaker_open",
		Help:      "1 while the circuit breaker for a host is open",
	}, []string{"host"})
)
