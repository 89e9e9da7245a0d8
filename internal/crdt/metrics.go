package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "changes_applied_total",
		Help:      "Changes run through the merge rule, by change type and outcome.",
	}, []string{"change_type", "outcome"})

	tombstoneTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "tombstones_total",
		Help:      "Element ids tombstoned across all documents.",
	})
)

func init() {
	prometheus.MustRegister(applyTotal, tombstoneTotal)
}

func observeApply(ct string, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	applyTotal.WithLabelValues(ct, outcome).Inc()
}
