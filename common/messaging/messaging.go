// Package messaging provides abstractions for durable, keyed message publishing.
// It defines interfaces that let the pipeline publish records and resolve their
// acknowledgements without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"errors"
)

// Record is one keyed message destined for a durable stream.
type Record struct {
	// Subject is the topic the record is published to.
	Subject string

	// Key is the partition key. Records sharing a key keep their relative order.
	Key []byte

	// MsgID is the idempotency key. Brokers drop a second record carrying the
	// same MsgID inside their duplicate window.
	MsgID string

	// Data is the encoded record value.
	Data []byte

	// Headers carries metadata such as schema version and content encoding.
	Headers map[string]string
}

// Ack is the broker's confirmation that a record was persisted.
type Ack struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// AckFuture resolves the outcome of an asynchronously published record.
type AckFuture interface {
	// Wait blocks until the broker acknowledges the record, rejects it, or ctx ends.
	Wait(ctx context.Context) (*Ack, error)
}

// Producer publishes records with broker acknowledgement.
type Producer interface {
	// PublishAsync submits a record and returns immediately with a future.
	// An error here means the record never left the client.
	PublishAsync(ctx context.Context, rec *Record) (AckFuture, error)

	// Flush waits until every outstanding record is acknowledged or ctx ends.
	// It returns how many records were still unconfirmed.
	Flush(ctx context.Context) (int, error)

	// IsConnected returns true if the client is connected to the broker.
	IsConnected() bool

	// Close releases any resources held by the producer.
	Close() error
}

// SyncPublisher publishes a record and waits for its acknowledgement.
type SyncPublisher interface {
	PublishSync(ctx context.Context, rec *Record) (*Ack, error)
}

// ErrProducerClosed is returned when publishing on a closed producer.
var ErrProducerClosed = errors.New("producer closed")

// Header names carried on every telemetry record.
const (
	HeaderKey           = "Telemetry-Key"
	HeaderSchemaVersion = "Telemetry-Schema-Version"
	HeaderEventID       = "Telemetry-Event-Id"
	HeaderContentType   = "Content-Type"
	HeaderEncoding      = "Content-Encoding"
	HeaderDropReason    = "Telemetry-Drop-Reason"
)

// CloneHeaders returns a copy of h that callers may mutate.
func CloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
