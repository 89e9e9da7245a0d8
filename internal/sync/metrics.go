package syncstate

import "github.com/prometheus/client_golang/prometheus"

var (
	acceptedChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "actor_log",
		Name:      "changes_total",
		Help:      "Changes received by room sync, split by ephemeral flag.",
	}, []string{"ephemeral"})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "actor_log",
		Name:      "persist_failures_total",
		Help:      "Batches that failed to persist; the room keeps serving them from memory.",
	})

	resyncChanges = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "resync",
		Name:      "changes",
		Help:      "Number of changes delivered per resync.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(acceptedChanges, persistFailures, resyncChanges)
}
