// Package metrics defines the Prometheus instruments shared across the
// router and outbox. All collectors are registered at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowcatalyst"

// Pool metrics.
var (
	PoolMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "messages_processed_total",
		Help:      "Messages processed per pool, labelled by mediation result.",
	}, []string{"pool_code", "result"})

	PoolProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "processing_duration_seconds",
		Help:      "End-to-end mediation duration per pool.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
	}, []string{"pool_code"})

	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Messages queued in the pool.",
	}, []string{"pool_code"})

	PoolActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "active_workers",
		Help:      "Workers currently inside the mediator.",
	}, []string{"pool_code"})

	PoolMessageGroups = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "message_group_count",
		Help:      "Distinct active message groups in the pool.",
	}, []string{"pool_code"})

	PoolRateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "rate_limit_rejections_total",
		Help:      "Messages nacked by the pool token bucket.",
	}, []string{"pool_code"})

	PoolQueueRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_rejections_total",
		Help:      "Messages nacked because the pool queue was full.",
	}, []string{"pool_code"})
)

// Mediator metrics.
var (
	MediatorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "http_requests_total",
		Help:      "Mediation HTTP requests by status code.",
	}, []string{"status_code"})

	MediatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "http_duration_seconds",
		Help:      "Mediation HTTP round-trip duration per endpoint.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 900},
	}, []string{"endpoint"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "circuit_breaker_state",
		Help:      "Circuit state per endpoint: 0 closed, 1 open, 2 half-open.",
	}, []string{"endpoint"})

	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "circuit_breaker_trips_total",
		Help:      "Circuit open transitions per endpoint.",
	}, []string{"endpoint"})
)

// Queue and pipeline metrics.
var (
	QueueVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "verdicts_total",
		Help:      "Broker verdicts issued, labelled ack/nack/extend.",
	}, []string{"queue", "verdict"})

	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "pending_messages",
		Help:      "Broker-reported visible messages.",
	}, []string{"queue"})

	QueueInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "in_flight_messages",
		Help:      "Broker-reported invisible messages.",
	}, []string{"queue"})

	PipelineMapSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "map_size",
		Help:      "Messages tracked in the in-flight pipeline map.",
	})

	PipelineTotalCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "total_capacity",
		Help:      "Sum of queue capacity across all pools.",
	})
)

// Consumer metrics.
var (
	ConsumerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "restarts_total",
		Help:      "Automatic consumer restarts.",
	}, []string{"queue"})

	ConsumerStallEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "stall_events_total",
		Help:      "Stall detections per consumer.",
	}, []string{"queue"})
)

// Outbox metrics.
var (
	OutboxItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "items_processed_total",
		Help:      "Outbox items processed, labelled by final status.",
	}, []string{"item_type", "status"})

	OutboxPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "poll_duration_seconds",
		Help:      "Duration of one outbox poll cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	OutboxPendingItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "pending_items",
		Help:      "Items in PENDING status.",
	}, []string{"item_type"})

	OutboxRecoveredItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "recovered_items_total",
		Help:      "Stuck items reset to PENDING by the recovery sweeper.",
	}, []string{"item_type"})

	OutboxLeaderState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "leader_election_state",
		Help:      "1 when this instance holds the outbox leader lease.",
	})
)
