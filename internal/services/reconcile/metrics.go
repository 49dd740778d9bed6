package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iamsync_reconcile_runs_total",
			Help: "Reconciliation passes by outcome",
		},
		[]string{"result"},
	)

	driftRules = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iamsync_reconcile_drift_rules",
			Help: "Rules that differed between the mirror and the policy store in the last pass",
		},
		[]string{"kind"},
	)
)
