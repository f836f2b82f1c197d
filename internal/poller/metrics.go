package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modwatch_poll_cycles_total",
		Help: "Finished poll cycles.",
	})

	cycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modwatch_poll_cycle_seconds",
		Help:    "Wall time of a poll cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	pollResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modwatch_poll_results_total",
		Help: "Per-project poll outcomes.",
	}, []string{"outcome"})

	inFlightEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modwatch_poll_events_in_flight",
		Help: "Update events handed to the dispatcher and not yet settled.",
	})
)
