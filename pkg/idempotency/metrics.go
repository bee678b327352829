package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecf",
	Subsystem: "idempotency",
	Name:      "lookups_total",
	Help:      "Idempotency lookups by result",
}, []string{"result"})
