// Package memory provides an in-process messaging.Producer. It stores records
// in publish order and honours message-id deduplication, which makes it the bus
// for dry-run deployments and for pipeline tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/issdata/telemetry-stack/common/messaging"
)

// FailFunc decides whether the broker rejects a record. A non-nil error is
// delivered through the record's AckFuture.
type FailFunc func(rec *messaging.Record) error

// Producer is an in-memory stream.
type Producer struct {
	mu        sync.Mutex
	stream    string
	records   []messaging.Record
	seen      map[string]uint64
	calls     int
	fail      FailFunc
	ackDelay  time.Duration
	closed    bool
	connected bool

	// pending counts acks not yet arrived; settled is closed and replaced
	// whenever one arrives.
	pending int
	settled chan struct{}
}

var (
	_ messaging.Producer      = (*Producer)(nil)
	_ messaging.SyncPublisher = (*Producer)(nil)
)

// Option configures a Producer.
type Option func(*Producer)

// WithStream sets the stream name reported in acks.
func WithStream(name string) Option {
	return func(p *Producer) { p.stream = name }
}

// WithAckDelay delays every acknowledgement by d.
func WithAckDelay(d time.Duration) Option {
	return func(p *Producer) { p.ackDelay = d }
}

// WithFailure installs a rejection hook.
func WithFailure(fn FailFunc) Option {
	return func(p *Producer) { p.fail = fn }
}

// NewProducer creates an empty in-memory stream.
func NewProducer(opts ...Option) *Producer {
	p := &Producer{
		stream:    "MEMORY",
		seen:      make(map[string]uint64),
		connected: true,
		settled:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetFailure replaces the rejection hook. Pass nil to accept everything.
func (p *Producer) SetFailure(fn FailFunc) {
	p.mu.Lock()
	p.fail = fn
	p.mu.Unlock()
}

// SetConnected toggles what IsConnected reports.
func (p *Producer) SetConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

// PublishAsync stores the record and returns a future that resolves after the
// configured ack delay, whether or not anyone waits on it.
func (p *Producer) PublishAsync(ctx context.Context, rec *messaging.Record) (messaging.AckFuture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, messaging.ErrProducerClosed
	}
	p.calls++
	ack, err := p.storeLocked(rec)
	delay := p.ackDelay
	p.pending++
	p.mu.Unlock()

	f := &future{ack: ack, err: err, readyAt: time.Now().Add(delay), done: p.ackArrived}
	if delay > 0 {
		time.AfterFunc(delay, f.resolve)
	} else {
		f.resolve()
	}
	return f, nil
}

func (p *Producer) ackArrived() {
	p.mu.Lock()
	p.pending--
	close(p.settled)
	p.settled = make(chan struct{})
	p.mu.Unlock()
}

// PublishSync stores the record and returns its ack.
func (p *Producer) PublishSync(ctx context.Context, rec *messaging.Record) (*messaging.Ack, error) {
	f, err := p.PublishAsync(ctx, rec)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

func (p *Producer) storeLocked(rec *messaging.Record) (*messaging.Ack, error) {
	if p.fail != nil {
		if err := p.fail(rec); err != nil {
			return nil, err
		}
	}
	if rec.MsgID != "" {
		if seq, ok := p.seen[rec.MsgID]; ok {
			return &messaging.Ack{Stream: p.stream, Sequence: seq, Duplicate: true}, nil
		}
	}

	stored := messaging.Record{
		Subject: rec.Subject,
		Key:     append([]byte(nil), rec.Key...),
		MsgID:   rec.MsgID,
		Data:    append([]byte(nil), rec.Data...),
		Headers: messaging.CloneHeaders(rec.Headers),
	}
	p.records = append(p.records, stored)
	seq := uint64(len(p.records))
	if rec.MsgID != "" {
		p.seen[rec.MsgID] = seq
	}
	return &messaging.Ack{Stream: p.stream, Sequence: seq}, nil
}

// Flush waits until every issued record is acknowledged. On ctx expiry it
// returns how many acks are still outstanding.
func (p *Producer) Flush(ctx context.Context) (int, error) {
	for {
		p.mu.Lock()
		n, settled := p.pending, p.settled
		p.mu.Unlock()
		if n == 0 {
			return 0, nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			p.mu.Lock()
			n = p.pending
			p.mu.Unlock()
			return n, ctx.Err()
		}
	}
}

// IsConnected reports the simulated connection state.
func (p *Producer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && !p.closed
}

// Close rejects further publishes.
func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Records returns a snapshot of stored records in stream order.
func (p *Producer) Records() []messaging.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]messaging.Record, len(p.records))
	copy(out, p.records)
	return out
}

// Calls returns how many publish attempts reached the producer.
func (p *Producer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type future struct {
	ack     *messaging.Ack
	err     error
	readyAt time.Time
	done    func()
	once    sync.Once
}

func (f *future) resolve() { f.once.Do(f.done) }

func (f *future) Wait(ctx context.Context) (*messaging.Ack, error) {
	if wait := time.Until(f.readyAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.resolve()
	if f.err != nil {
		return nil, f.err
	}
	return f.ack, nil
}
