// Package metrics owns every Prometheus collector used by the
// synchronization core: no package-level mutable state, a
// single Collectors value constructed once and passed by reference into
// every component that reports a measurement.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every counter, gauge, and histogram named in
// Construct one per server process with New and thread it
// into document, client, server and replication components.
type Collectors struct {
	DocumentsOpenedTotal  prometheus.Counter
	MessagesTotal         *prometheus.CounterVec // label: kind
	StorageOperationsTotal *prometheus.CounterVec // labels: op, result
	ErrorsTotal           *prometheus.CounterVec // label: kind
	RateLimitExceededTotal *prometheus.CounterVec // label: track_by

	ClientsActive      prometheus.Gauge
	SessionsActive     prometheus.Gauge
	DocumentSizeBytes  *prometheus.GaugeVec // label: id

	MessageDurationSeconds         *prometheus.HistogramVec // label: kind
	StorageOperationDurationSeconds *prometheus.HistogramVec // label: op
}

// New constructs and registers a Collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer to expose on the process-wide default.
func New(reg prometheus.Registerer) *Collectors {
	var factory = promauto.With(reg)

	return &Collectors{
		DocumentsOpenedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "documents_opened_total",
			Help: "Total number of document sessions opened on this node.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total number of inbound messages processed, by kind.",
		}, []string{"kind"}),
		StorageOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations, by operation and result.",
		}, []string{"op", "result"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of classified errors, by kind.",
		}, []string{"kind"}),
		RateLimitExceededTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_exceeded_total",
			Help: "Total number of rate-limit violations, by track_by.",
		}, []string{"track_by"}),

		ClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clients_active",
			Help: "Current number of live client sessions on this node.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Current number of open document sessions on this node.",
		}),
		DocumentSizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "document_size_bytes",
			Help: "Current size, in bytes, of a document's merged update history, by id.",
		}, []string{"id"}),

		MessageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "message_duration_seconds",
			Help:    "Time to fully process an inbound message, by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		StorageOperationDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Time spent in a storage operation, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Handler returns an http.Handler serving the Collectors' registry in
// Prometheus text exposition format, for GET /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
