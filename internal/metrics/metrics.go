package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_webhooks_received_total",
		Help: "Total number of gateway callbacks accepted for processing, labelled by kind.",
	}, []string{"kind"})

	WebhooksUnauthorized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_webhooks_unauthorized_total",
		Help: "Total number of callbacks rejected for a missing or wrong shared secret.",
	}, []string{"kind"})

	WebhooksDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_webhooks_duplicate_total",
		Help: "Total number of callbacks dropped by the event-key dedup gate.",
	}, []string{"kind"})

	WebhooksOrphaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_webhooks_orphaned_total",
		Help: "Total number of callbacks that matched no transaction.",
	}, []string{"kind"})

	WebhooksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_webhooks_failed_total",
		Help: "Total number of callbacks whose processing returned an error (still acknowledged).",
	}, []string{"kind"})

	WebhookProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_webhook_processing_duration_ms",
		Help:    "End-to-end callback processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000, 60000},
	}, []string{"kind"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_state_transitions_total",
		Help: "Total number of applied status transitions.",
	}, []string{"from", "to", "source"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_settlements_total",
		Help: "Onramp settlements, labelled by outcome (transferred, reused, failed).",
	}, []string{"outcome"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_refunds_total",
		Help: "Refund attempts, labelled by outcome (completed, failed, skipped).",
	}, []string{"outcome"})

	SaveConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_save_conflicts_total",
		Help: "Total number of version-conditional saves that lost a race.",
	})

	TransferQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_transfer_queue_depth",
		Help: "Treasury transfers waiting for the single signer.",
	})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_gateway_requests_total",
		Help: "Outbound gateway calls, labelled by operation and HTTP status.",
	}, []string{"operation", "status"})
)
