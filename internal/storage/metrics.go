package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	insertLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "insert_changes_seconds",
		Help:      "Latency for appending change batches to Postgres.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"room"})

	fetchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "fetch_changes_seconds",
		Help:      "Latency for loading a room's change history.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"room"})

	retryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "transient_retries_total",
		Help:      "Statements retried after a transient Postgres error.",
	})

	tracer = otel.Tracer("github.com/example/canvas-sync/storage")
)

func init() {
	prometheus.MustRegister(insertLatency, fetchLatency, retryTotal)
}
