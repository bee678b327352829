package token

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ecf",
	Subsystem: "token",
	Name:      "refreshes_total",
	Help:      "Token refreshes by outcome",
}, []string{"outcome"})
