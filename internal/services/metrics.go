package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// webhookDeliveries counts inbound webhook calls by recorded status
	// (success, failed, retry, replayed).
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Inbound webhook deliveries by outcome.",
		},
		[]string{"status"},
	)

	// forwardsQueued counts ForwardLog rows created, by trigger.
	forwardsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_forwards_queued_total",
			Help: "Broker forward instructions queued.",
		},
		[]string{"trigger"},
	)

	// forwardOutcomes counts agent-reported results.
	forwardOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_forward_outcomes_total",
			Help: "Broker forward outcomes reported by the execution agent.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(webhookDeliveries, forwardsQueued, forwardOutcomes)
}
