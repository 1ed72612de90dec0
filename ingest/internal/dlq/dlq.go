// Package dlq writes telemetry events the pipeline could not deliver to a
// dead-letter stream. Entries are published to telemetry.dlq.<reason> so an
// operator can replay or inspect them; the stream is shared across instances.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// DeadLetter is one undeliverable event.
type DeadLetter struct {
	Timestamp time.Time              `json:"timestamp"`
	Reason    string                 `json:"reason"`
	Error     string                 `json:"error,omitempty"`
	Instance  string                 `json:"instance,omitempty"`
	Event     *models.TelemetryEvent `json:"event"`
}

// StreamInspector reports stream state. The JetStream client implements it.
type StreamInspector interface {
	StreamInfo(ctx context.Context, name string) (*jetstream.StreamInfo, error)
}

// Queue publishes dead letters. A nil *Queue is a disabled DLQ: Write is a
// no-op and Stats reports enabled=false.
type Queue struct {
	pub      messaging.SyncPublisher
	inspect  StreamInspector
	stream   string
	instance string
	timeout  time.Duration
	logger   *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithInspector enables stream statistics.
func WithInspector(in StreamInspector, stream string) Option {
	return func(q *Queue) {
		q.inspect = in
		q.stream = stream
	}
}

// WithInstance tags entries with the writing instance id.
func WithInstance(id string) Option {
	return func(q *Queue) { q.instance = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithTimeout bounds each write.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// NewQueue creates a DLQ writing through pub.
func NewQueue(pub messaging.SyncPublisher, opts ...Option) (*Queue, error) {
	if pub == nil {
		return nil, errors.New("dlq publisher is nil")
	}
	q := &Queue{pub: pub, timeout: 5 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Write records an undeliverable event. The entry carries the event id as its
// message id so a second write of the same drop is deduplicated.
func (q *Queue) Write(ctx context.Context, ev *models.TelemetryEvent, reason string, cause error) error {
	if q == nil || ev == nil {
		return nil
	}

	entry := DeadLetter{
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Instance:  q.instance,
		Event:     ev,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		q.fail()
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	rec := &messaging.Record{
		Subject: messaging.DLQSubject(reason),
		Key:     []byte(ev.ItemID),
		MsgID:   reason + ":" + ev.EventID,
		Data:    data,
		Headers: map[string]string{
			messaging.HeaderEventID:     ev.EventID,
			messaging.HeaderDropReason:  reason,
			messaging.HeaderContentType: "application/json",
		},
	}
	if _, err := q.pub.PublishSync(ctx, rec); err != nil {
		q.fail()
		q.logger.Error("failed to publish dead letter",
			logging.ItemID(ev.ItemID),
			logging.EventID(ev.EventID),
			logging.Reason(reason),
			logging.Error(err),
		)
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	metrics.DLQWrites.WithLabelValues("ok").Inc()
	q.logger.Debug("dead letter written", logging.EventID(ev.EventID), logging.Reason(reason))
	return nil
}

func (q *Queue) fail() {
	q.failed.Add(1)
	metrics.DLQWrites.WithLabelValues("error").Inc()
}

// Written returns how many entries this instance wrote.
func (q *Queue) Written() uint64 {
	if q == nil {
		return 0
	}
	return q.written.Load()
}

// Stats returns DLQ counters and, when an inspector is set, stream state.
func (q *Queue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{"enabled": false}
	}

	stats := map[string]interface{}{
		"enabled":        true,
		"written_local":  q.written.Load(),
		"failed_local":   q.failed.Load(),
		"subject_prefix": messaging.SubjectDLQPrefix,
	}
	if q.inspect == nil {
		return stats
	}

	info, err := q.inspect.StreamInfo(ctx, q.stream)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["stream"] = q.stream
	stats["total_messages"] = info.State.Msgs
	stats["total_bytes"] = info.State.Bytes
	stats["first_seq"] = info.State.FirstSeq
	stats["last_seq"] = info.State.LastSeq
	return stats
}
