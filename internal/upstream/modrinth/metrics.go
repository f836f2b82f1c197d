package modrinth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modwatch_upstream_requests_total",
		Help: "Upstream HTTP attempts by outcome.",
	}, []string{"endpoint", "outcome"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modwatch_upstream_request_seconds",
		Help:    "Upstream HTTP latency, excluding governor wait.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
