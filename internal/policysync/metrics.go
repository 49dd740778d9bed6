package policysync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// commandsTotal counts applied commands by kind and outcome.
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iamsync_policy_commands_total",
			Help: "Policy commands applied to the policy store",
		},
		[]string{"kind", "status"},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iamsync_policy_batch_duration_seconds",
			Help:    "Time to apply one committed batch of policy commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iamsync_policy_queue_depth",
		Help: "Batches waiting for the dispatcher",
	})

	droppedBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iamsync_policy_dropped_batches_total",
		Help: "Batches dropped because the dispatcher was closed or the caller gave up",
	})
)
