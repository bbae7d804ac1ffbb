// Package metrics provides Prometheus instrumentation for the campus chat
// core. It exposes gauges for connection and conversation counts, counters
// for message throughput and moderation outcomes, and histograms for
// classifier and send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OpenConversations tracks the current number of open conversation sessions.
	OpenConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_open_conversations",
		Help: "Current number of open conversation sessions",
	})

	// MessagesTotal counts send attempts by outcome: "sent", "denied_trust",
	// "denied_moderation", "rate_limited", or "store_error".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"outcome"})

	// SendLatency records the full send path latency (gate + append) in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_send_latency_seconds",
		Help:    "Send path latency (moderation gate + store append) in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// ClassifierLatency records text-safety classifier round-trip time.
	ClassifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_classifier_latency_seconds",
		Help:    "Text-safety classifier round-trip time in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// ClassifierDegraded counts classifier calls that failed and fell open.
	ClassifierDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_classifier_degraded_total",
		Help: "Classifier calls that failed or timed out and were treated as safe",
	})

	// FanoutDelivered counts messages delivered to live subscribers.
	FanoutDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_fanout_delivered_total",
		Help: "Messages delivered to live subscribers",
	})

	// FanoutDeduped counts duplicate transport deliveries suppressed by id.
	FanoutDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_fanout_deduped_total",
		Help: "Duplicate transport deliveries suppressed by message id",
	})

	// LedgerConflicts counts compare-and-swap retries in the trust ledger.
	LedgerConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_ledger_conflicts_total",
		Help: "Trust ledger compare-and-swap conflicts that were retried",
	})

	// TierTransitions counts trust tier changes, labeled by the new tier.
	TierTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_tier_transitions_total",
		Help: "Trust tier transitions by resulting tier",
	}, []string{"tier"})

	// SweptMessages counts expired room messages removed by the sweeper.
	SweptMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_swept_messages_total",
		Help: "Expired room messages deleted by the sweeper",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OpenConversations,
		MessagesTotal,
		SendLatency,
		ClassifierLatency,
		ClassifierDegraded,
		FanoutDelivered,
		FanoutDeduped,
		LedgerConflicts,
		TierTransitions,
		SweptMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
