// Package nats provides JetStream support for durable, persistent messaging.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
// It implements messaging.Producer and messaging.SyncPublisher.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

var (
	_ messaging.Producer      = (*JetStreamClient)(nil)
	_ messaging.SyncPublisher = (*JetStreamClient)(nil)
)

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// MaxMsgSize is the largest record the stream accepts.
	MaxMsgSize int32

	// Replicas is the replication factor. An ack from a replicated stream
	// means every replica in the quorum persisted the record.
	Replicas int

	// Duplicates is the window in which a repeated Nats-Msg-Id is discarded.
	Duplicates time.Duration

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ProducerOptions tunes asynchronous publishing.
type ProducerOptions struct {
	// MaxPending bounds unacknowledged async publishes on the connection.
	MaxPending int
}

// DefaultStreamConfig returns sensible defaults for a telemetry stream.
func DefaultStreamConfig(name string, subjects []string) StreamConfig {
	return StreamConfig{
		Name:       name,
		Subjects:   subjects,
		MaxAge:     7 * 24 * time.Hour,
		MaxBytes:   10 * 1024 * 1024 * 1024, // 10GB
		MaxMsgs:    -1,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config, popts ProducerOptions) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	var jsOpts []jetstream.JetStreamOpt
	if popts.MaxPending > 0 {
		jsOpts = append(jsOpts, jetstream.WithPublishAsyncMaxPending(popts.MaxPending))
	}

	js, err := jetstream.New(client.conn, jsOpts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		MaxMsgSize: cfg.MaxMsgSize,
		Replicas:   cfg.Replicas,
		Duplicates: cfg.Duplicates,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// PublishAsync publishes a record to JetStream and returns a future for its ack.
// The record's MsgID is sent as Nats-Msg-Id so broker-side retries deduplicate.
func (c *JetStreamClient) PublishAsync(ctx context.Context, rec *messaging.Record) (messaging.AckFuture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var opts []jetstream.PublishOpt
	if rec.MsgID != "" {
		opts = append(opts, jetstream.WithMsgID(rec.MsgID))
	}
	f, err := c.js.PublishMsgAsync(toNatsMsg(rec.Subject, rec.Data, recordHeaders(rec)), opts...)
	if err != nil {
		return nil, err
	}
	return &ackFuture{f: f}, nil
}

// PublishSync publishes a record and waits for acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, rec *messaging.Record) (*messaging.Ack, error) {
	var opts []jetstream.PublishOpt
	if rec.MsgID != "" {
		opts = append(opts, jetstream.WithMsgID(rec.MsgID))
	}
	ack, err := c.js.PublishMsg(ctx, toNatsMsg(rec.Subject, rec.Data, recordHeaders(rec)), opts...)
	if err != nil {
		return nil, err
	}
	return toAck(ack), nil
}

// Flush waits for all outstanding async publishes to be acknowledged.
func (c *JetStreamClient) Flush(ctx context.Context) (int, error) {
	if err := c.Client.FlushTimeout(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return c.js.PublishAsyncPending(), fmt.Errorf("flush connection: %w", err)
	}
	select {
	case <-c.js.PublishAsyncComplete():
		return 0, nil
	case <-ctx.Done():
		return c.js.PublishAsyncPending(), ctx.Err()
	}
}

// StreamInfo returns the current state of a stream.
func (c *JetStreamClient) StreamInfo(ctx context.Context, name string) (*jetstream.StreamInfo, error) {
	stream, err := c.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", name, err)
	}
	return stream.Info(ctx)
}

// JetStream exposes the underlying JetStream context.
func (c *JetStreamClient) JetStream() jetstream.JetStream {
	return c.js
}

type ackFuture struct {
	f jetstream.PubAckFuture
}

func (a *ackFuture) Wait(ctx context.Context) (*messaging.Ack, error) {
	select {
	case ack := <-a.f.Ok():
		return toAck(ack), nil
	case err := <-a.f.Err():
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func toAck(ack *jetstream.PubAck) *messaging.Ack {
	if ack == nil {
		return &messaging.Ack{}
	}
	return &messaging.Ack{
		Stream:    ack.Stream,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}
}

func recordHeaders(rec *messaging.Record) map[string]string {
	headers := messaging.CloneHeaders(rec.Headers)
	if len(rec.Key) > 0 {
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		headers[messaging.HeaderKey] = string(rec.Key)
	}
	return headers
}

// Predefined stream configurations.
var (
	// TelemetryDLQStream captures records the pipeline could not deliver.
	TelemetryDLQStream = StreamConfig{
		Name:       "TELEMETRY_DLQ",
		Subjects:   []string{messaging.SubjectDLQPrefix + ".>"},
		MaxAge:     14 * 24 * time.Hour,
		MaxBytes:   1024 * 1024 * 1024, // 1GB
		MaxMsgs:    -1,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	}
)
