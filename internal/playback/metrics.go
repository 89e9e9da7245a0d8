package playback

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playback",
		Name:      "cache_lookups_total",
		Help:      "Materialized state cache lookups by result.",
	}, []string{"result"})

	replayedChanges = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "playback",
		Name:      "replayed_changes",
		Help:      "Changes replayed to answer a state request.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(cacheLookups, replayedChanges)
}
