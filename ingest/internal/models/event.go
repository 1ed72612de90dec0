package models

import "time"

// Origin identifies how an update entered the pipeline.
type Origin string

const (
	OriginFeed   Origin = "feed"
	OriginSubmit Origin = "submit"
)

// DefaultSource is the literal stamped on every event from the live feed.
const DefaultSource = "iss-lightstreamer"

// RawUpdate is a feed-native update as delivered. It only lives between the
// subscription and the validator.
type RawUpdate struct {
	ItemID          string  `json:"item_id"`
	SourceTimestamp string  `json:"source_ts"`
	Value           *string `json:"value,omitempty"`
	StatusClass     *string `json:"status_class,omitempty"`
	StatusIndicator *string `json:"status_indicator,omitempty"`
	StatusColor     *string `json:"status_color,omitempty"`
	CalibratedData  *string `json:"calibrated_data,omitempty"`

	Origin     Origin    `json:"-"`
	ReceivedAt time.Time `json:"-"`
	// Size is the encoded size of the update as received, in bytes.
	Size int `json:"-"`
}

// ValidatedEvent is a RawUpdate that passed validation. ItemID is non-empty and
// SourceTS carries an explicit location.
type ValidatedEvent struct {
	ItemID          string
	SourceTS        time.Time
	Value           string
	StatusClass     *string
	StatusIndicator *string
	StatusColor     *string
	CalibratedData  *string

	Origin     Origin
	ReceivedAt time.Time
}

// TelemetryEvent is the unit published to the bus.
type TelemetryEvent struct {
	SchemaVersion   int       `json:"schema_version" cbor:"schema_version"`
	EventID         string    `json:"event_id" cbor:"event_id"`
	ItemID          string    `json:"item_id" cbor:"item_id"`
	SourceTS        time.Time `json:"source_ts" cbor:"source_ts"`
	IngestTS        time.Time `json:"ingest_ts" cbor:"ingest_ts"`
	Value           string    `json:"value" cbor:"value"`
	StatusClass     *string   `json:"status_class" cbor:"status_class"`
	StatusIndicator *string   `json:"status_indicator" cbor:"status_indicator"`
	StatusColor     *string   `json:"status_color" cbor:"status_color"`
	CalibratedData  *string   `json:"calibrated_data" cbor:"calibrated_data"`
	Source          string    `json:"source" cbor:"source"`

	// Pipeline bookkeeping, never serialized.
	Origin     Origin    `json:"-" cbor:"-"`
	EnqueuedAt time.Time `json:"-" cbor:"-"`
}

// SubmitStatus is the outcome of an external submission.
type SubmitStatus string

const (
	StatusEnqueued           SubmitStatus = "enqueued"
	StatusValidationRejected SubmitStatus = "validation_rejected"
	StatusBackpressureFull   SubmitStatus = "backpressure_full"
	StatusShuttingDown       SubmitStatus = "shutting_down"
)

// SubmitResult is returned to the inbound submission surface.
type SubmitResult struct {
	Status  SubmitStatus `json:"status"`
	EventID string       `json:"event_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// IngestionStats is a point-in-time view of pipeline counters.
type IngestionStats struct {
	Received       int64     `json:"received"`
	Enqueued       int64     `json:"enqueued"`
	Rejected       int64     `json:"rejected"`
	Backpressured  int64     `json:"backpressured"`
	Published      int64     `json:"published"`
	Dropped        int64     `json:"dropped"`
	QueueDepth     int       `json:"queue_depth"`
	QueueCapacity  int       `json:"queue_capacity"`
	FeedState      string    `json:"feed_state"`
	BreakerState   string    `json:"breaker_state"`
	LastEnqueuedAt time.Time `json:"last_enqueued_at,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
