package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	ItemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopilot_queue_items_enqueued_total",
			Help: "Total work queue items enqueued",
		},
		[]string{"queue"},
	)

	ItemsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopilot_queue_items_claimed_total",
			Help: "Total work queue items claimed",
		},
		[]string{"queue"},
	)

	ItemsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopilot_queue_items_completed_total",
			Help: "Total work queue items completed",
		},
		[]string{"queue"},
	)

	ItemsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convopilot_queue_items_failed_total",
			Help: "Total work queue item failures",
		},
		[]string{"queue", "retryable"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convopilot_queue_depth",
			Help: "Pending items per queue",
		},
		[]string{"queue"},
	)

	LeasesRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convopilot_queue_leases_requeued_total",
			Help: "Items returned to pending by the lease watchdog",
		},
	)

	// Pipeline metrics
	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convopilot_messages_ingested_total",
			Help: "Inbound messages accepted by the ingestion gateway",
		},
	)

	InvalidPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convopilot_invalid_payloads_total",
			Help: "Inbound events discarded as malformed",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convopilot_messages_delivered_total",
			Help: "Outbound chunks delivered to the channel",
		},
	)

	MessagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convopilot_messages_failed_total",
			Help: "Outbound messages marked failed",
		},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convopilot_generation_duration_seconds",
			Help:    "Generation backend call duration",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"profile"},
	)
)
