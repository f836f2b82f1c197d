package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modwatch_deliveries_total",
		Help: "Finished deliveries by destination kind and outcome.",
	}, []string{"kind", "outcome"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modwatch_delivery_attempts_total",
		Help: "Individual send attempts, including retries.",
	}, []string{"kind"})

	queuedDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modwatch_delivery_queue_depth",
		Help: "Deliveries admitted and not yet finished.",
	})

	deliverySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modwatch_delivery_seconds",
		Help:    "Time from enqueue to a finished delivery.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})
)
