package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections per room.",
	}, []string{"room"})

	gatewayBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "backpressure_closes_total",
		Help:      "Connections closed because their send buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewayBackpressure)
}

var tracer = otel.Tracer("github.com/example/canvas-sync/ws")
