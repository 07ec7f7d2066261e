package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// replicationTotal counts deltas published to other agents by outcome.
	replicationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memmesh_replication_deltas_total",
		Help: "Deltas published to other agents by outcome",
	}, []string{"outcome"})

	receivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memmesh_inbox_received_total",
		Help: "Deltas accepted from the transport into agent inboxes",
	})

	appliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memmesh_remote_applied_total",
		Help: "Remote deltas joined into local replicas",
	})

	syncSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memmesh_sync_seconds",
		Help:    "Duration of agent-to-agent syncs",
		Buckets: prometheus.DefBuckets,
	})

	syncExchangedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memmesh_sync_exchanged_total",
		Help: "Full states exchanged by anti-entropy",
	})
)
