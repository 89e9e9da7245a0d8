package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "created_total",
		Help:      "Room archives written to object storage.",
	})

	snapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "failures_total",
		Help:      "Room archive attempts that failed.",
	})

	snapshotBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "payload_bytes",
		Help:      "Size of uploaded room archives.",
		Buckets:   prometheus.ExponentialBuckets(512, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(snapshotsCreated, snapshotFailures, snapshotBytes)
}
