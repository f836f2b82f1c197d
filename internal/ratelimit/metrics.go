package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "modwatch_upstream_governor_wait_seconds",
	Help:    "Time callers spent queued in the upstream rate governor.",
	Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
})

func observeAcquire(d time.Duration) { acquireWait.Observe(d.Seconds()) }
