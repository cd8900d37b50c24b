// Package metrics provides Prometheus instrumentation for the matching
// server: connection and search gauges, match lifecycle counters, and
// latency histograms for scans and message handling.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carpool_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts inbound client messages by type and outcome
	// ("ok", "error", "rate_limited").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_messages_total",
		Help: "Total number of client messages processed",
	}, []string{"type", "outcome"})

	// MessageLatency records handler latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "carpool_message_latency_seconds",
		Help:    "Client message handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveSearches is the number of searches seen by the last scan.
	ActiveSearches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carpool_active_searches",
		Help: "Number of unexpired searches at the last scan",
	})

	// PendingMatches tracks matches awaiting approval.
	PendingMatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carpool_pending_matches",
		Help: "Current number of matches awaiting approval",
	})

	// MatchesProposed counts proposals.
	MatchesProposed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carpool_matches_proposed_total",
		Help: "Total number of matches proposed",
	})

	// MatchesCancelled counts cancellations by reason.
	MatchesCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_matches_cancelled_total",
		Help: "Total number of cancelled matches",
	}, []string{"reason"})

	// ConnectionsEstablished counts fully approved matches.
	ConnectionsEstablished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carpool_connections_established_total",
		Help: "Total number of connections established",
	})

	// ScanDuration records how long one scan pass takes.
	ScanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carpool_scan_duration_seconds",
		Help:    "Duration of a matching scan pass",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"reason"})

	// ChatMessages counts chat messages by sender kind ("user", "system").
	ChatMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_chat_messages_total",
		Help: "Total number of chat messages stored",
	}, []string{"sender"})

	// NotificationFailures counts failed best-effort deliveries.
	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carpool_notification_failures_total",
		Help: "Total number of notifications that could not be delivered",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		ActiveSearches,
		PendingMatches,
		MatchesProposed,
		MatchesCancelled,
		ConnectionsEstablished,
		ScanDuration,
		ChatMessages,
		NotificationFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
