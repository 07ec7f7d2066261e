package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// bufferedDeltas is the number of deltas currently waiting on a dependency.
	bufferedDeltas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memmesh_causal_buffered_deltas",
		Help: "Deltas held in causal buffers waiting for missing dependencies",
	})

	// deliveredTotal counts deltas by outcome.
	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memmesh_causal_deltas_total",
		Help: "Deltas seen by the causal buffer by outcome",
	}, []string{"outcome"})

	// holdSeconds is how long a delta waited before release.
	holdSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memmesh_causal_hold_seconds",
		Help:    "Time deltas spent in the causal buffer before release",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
	})
)
