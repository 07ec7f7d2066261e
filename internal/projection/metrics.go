package projection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memmesh_subscription_queue_depth",
		Help: "Deltas waiting in a projection subscription queue",
	}, []string{"subscription"})

	modeSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memmesh_subscription_mode_switches_total",
		Help: "Subscription switches between streaming and batched mode",
	}, []string{"mode"})

	pushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memmesh_projection_pushes_total",
		Help: "Projected deltas pushed to target namespaces",
	}, []string{"outcome"})
)
