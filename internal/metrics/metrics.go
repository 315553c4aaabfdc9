// Package metrics exposes Prometheus metrics for the order sentry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tracker metrics.
var (
	OrdersTracked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ordersentry_orders_tracked",
		Help: "Number of tracked protective orders by status.",
	}, []string{"status"})

	GroupsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersentry_bracket_groups_tracked",
		Help: "Number of tracked bracket groups.",
	})

	OrphansDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersentry_orphans_detected_total",
		Help: "Protective orders found without a matching open position.",
	}, []string{"symbol"})

	CancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersentry_cancels_total",
		Help: "Cancel attempts on orphaned orders by outcome.",
	}, []string{"outcome"})
)

// Reconciliation metrics.
var (
	ReconcileCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersentry_reconcile_cycles_total",
		Help: "Completed reconciliation cycles by registry.",
	}, []string{"registry"})

	ReconcileLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ordersentry_reconcile_duration_seconds",
		Help:    "Duration of one reconciliation cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"registry"})
)

// Break-even metrics.
var (
	BreakEvenMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersentry_break_even_monitored",
		Help: "Orders currently monitored for break-even activation.",
	})

	BreakEvenTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersentry_break_even_triggered_total",
		Help: "Break-even activations by outcome.",
	}, []string{"outcome"})

	BlacklistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersentry_break_even_blacklist_size",
		Help: "Orders permanently excluded from break-even modification.",
	})
)

// Feed metrics.
var (
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersentry_price_streams_active",
		Help: "Number of active price streams.",
	})

	QuotesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersentry_quotes_received_total",
		Help: "Quotes received per symbol.",
	}, []string{"symbol"})
)

// Broker metrics.
var (
	BrokerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersentry_broker_requests_total",
		Help: "Broker API requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	BrokerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ordersentry_broker_request_duration_seconds",
		Help:    "Broker API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// Process metrics.
var (
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ordersentry_heartbeat_timestamp_seconds",
		Help: "Unix timestamp of the last loop heartbeat.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersentry_errors_total",
		Help: "Errors by type.",
	}, []string{"type"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ordersentry_build_info",
		Help: "Build information.",
	}, []string{"version", "commit", "date"})
)

// SetBuildInfo publishes build metadata as a constant gauge.
func SetBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}
