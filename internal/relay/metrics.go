package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	activeRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "active_rooms",
		Help:      "Rooms currently held in memory.",
	})

	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "frames_total",
		Help:      "Inbound frames by type and outcome.",
	}, []string{"type", "outcome"})

	fanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "broadcast_recipients",
		Help:      "Members reached by a single broadcast.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	hydrateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "hydrate_seconds",
		Help:      "Time spent loading room history on first join.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	tracer = otel.Tracer("github.com/example/canvas-sync/relay")
)

func init() {
	prometheus.MustRegister(activeRooms, framesTotal, fanout, hydrateLatency)
}
