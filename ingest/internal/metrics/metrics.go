package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake metrics
	UpdatesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_updates_received_total",
			Help: "Total number of raw updates received",
		},
		[]string{"origin"},
	)

	UpdatesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_updates_discarded_total",
			Help: "Feed updates discarded before validation",
		},
		[]string{"reason"},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_events_total",
			Help: "Total number of events enqueued for publishing (ingestion rate)",
		},
		[]string{"origin"},
	)

	EventBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_event_bytes_total",
			Help: "Total bytes of update data received",
		},
	)

	ValidationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_validation_rejections_total",
			Help: "Total number of updates rejected by validation",
		},
		[]string{"reason"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_ingest_queue_depth",
			Help: "Current depth of the event queue",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_ingest_queue_capacity",
			Help: "Maximum capacity of the event queue",
		},
	)

	EnqueueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_enqueue_rejections_total",
			Help: "Total number of enqueue attempts rejected because the queue was full",
		},
		[]string{"origin"},
	)

	// Publish metrics
	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_publish_total",
			Help: "Publish attempt outcomes",
		},
		[]string{"result"},
	)

	PublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_publish_retries_total",
			Help: "Total number of publish retries",
		},
	)

	PublishDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_publish_duplicates_total",
			Help: "Publishes the broker acknowledged as duplicates",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_events_dropped_total",
			Help: "Events dropped after a fatal publish failure or at shutdown",
		},
		[]string{"reason"},
	)

	PublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_ingest_publish_latency_seconds",
			Help:    "Time from enqueue to broker acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	EndToEndLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_ingest_end_to_end_latency_seconds",
			Help:    "Time from source timestamp to broker acknowledgement",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)

	// Feed metrics
	FeedState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_ingest_feed_state",
			Help: "Feed subscription state (0=disconnected 1=connecting 2=subscribed 3=reconnecting 4=shutting_down)",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_feed_reconnect_attempts_total",
			Help: "Total number of feed connection attempts after a drop",
		},
	)

	ReconnectFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_feed_reconnect_failures_total",
			Help: "Total number of failed feed connection attempts",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_feed_reconnects_total",
			Help: "Completed drop and recovery cycles",
		},
	)

	FeedOutageSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_ingest_feed_outage_seconds",
			Help:    "Duration of feed outages; updates during an outage are not recoverable",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)

	IntakePaused = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_ingest_intake_paused",
			Help: "Whether intake is paused, by reason",
		},
		[]string{"reason"},
	)

	// Breaker metrics
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_ingest_breaker_state",
			Help: "Circuit breaker state (0=closed 1=open 2=half_open)",
		},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"key"},
	)

	// Delivery tracking metrics
	DeliveriesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_ingest_deliveries_pending",
			Help: "Number of tracked submissions awaiting acknowledgement",
		},
	)

	DeliveriesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_deliveries_completed_total",
			Help: "Total number of tracked submissions resolved",
		},
		[]string{"status"},
	)

	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_dlq_writes_total",
			Help: "Dead-letter writes by outcome",
		},
		[]string{"result"},
	)

	// Shutdown report
	ShutdownEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_ingest_shutdown_events",
			Help: "Final counts reported by the last graceful shutdown",
		},
		[]string{"kind"},
	)
)
