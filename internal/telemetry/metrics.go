// Package telemetry provides observability primitives for the Palantir relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	ActiveRequests        prometheus.Gauge
	UpstreamDuration      *prometheus.HistogramVec
	UpstreamErrors        *prometheus.CounterVec
	CredentialUnavailable *prometheus.CounterVec
	PoolAvailable         *prometheus.GaugeVec
	TrafficDropped        *prometheus.CounterVec
	TrafficQueueLength    *prometheus.GaugeVec
	TokensProcessed       *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of downstream requests.",
		}, []string{"provider", "operation", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "Downstream request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "operation"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active downstream requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider attempt duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "operation"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		CredentialUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "credential_unavailable_total",
			Help:      "Total credential unavailability transitions.",
		}, []string{"provider", "reason"}),

		PoolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "pool_available_credentials",
			Help:      "Credentials currently eligible for selection, per provider.",
		}, []string{"provider"}),

		TrafficDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "traffic_records_dropped_total",
			Help:      "Traffic records dropped because the recorder queue was full.",
		}, []string{"direction"}),

		TrafficQueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "traffic_queue_length",
			Help:      "Current number of queued traffic records.",
		}, []string{"direction"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "type"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CredentialUnavailable,
		m.PoolAvailable,
		m.TrafficDropped,
		m.TrafficQueueLength,
		m.TokensProcessed,
	)

	return m
}
