package ecf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecf",
	Name:      "submissions_total",
	Help:      "Document submissions by type and final state",
}, []string{"type", "state"})
