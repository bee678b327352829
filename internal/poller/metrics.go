package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecf",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Status queries by outcome (final, pending, error).",
	}, []string{"outcome"})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecf",
		Subsystem: "poller",
		Name:      "pending",
		Help:      "Submissions awaiting a final status.",
	})
)
