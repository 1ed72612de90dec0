// Package publisher drains the event queue onto the bus. Events are sharded
// into lanes by item_id; a lane never has two publishes for the same item in
// flight, which keeps per-item order through retries.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/queue"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
)

// Drop reasons.
const (
	DropRetriesExhausted = "retries_exhausted"
	DropFatal            = "fatal"
	DropUndelivered      = "undelivered"
)

// Listener is told how each event was resolved. Calls come from lane
// goroutines and must not block for long.
type Listener interface {
	Delivered(ev *models.TelemetryEvent, ack *messaging.Ack)
	Dropped(ev *models.TelemetryEvent, reason string, err error)
}

// Config tunes the pool.
type Config struct {
	Lanes       int
	BatchSize   int
	Linger      time.Duration
	MaxInFlight int
	AckTimeout  time.Duration
	Retry       reliability.RetryPolicy
}

// DefaultConfig returns the configured defaults.
func DefaultConfig() Config {
	return Config{
		Lanes:       4,
		BatchSize:   64,
		Linger:      5 * time.Millisecond,
		MaxInFlight: 256,
		AckTimeout:  5 * time.Second,
		Retry:       reliability.DefaultRetryPolicy(),
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Published int64 `json:"published"`
	Retries   int64 `json:"retries"`
	Dropped   int64 `json:"dropped"`
	InFlight  int64 `json:"in_flight"`
}

// Pool is the publish worker pool.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	producer messaging.Producer
	breaker  *reliability.Breaker
	builder  RecordBuilder
	listener Listener
	logger   *slog.Logger
	jitter   func() float64

	lanes []chan *models.TelemetryEvent
	// slots bounds unacknowledged publishes across all lanes.
	slots chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	abandoned []*models.TelemetryEvent

	published atomic.Int64
	retries   atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithListener receives delivery outcomes.
func WithListener(l Listener) Option {
	return func(p *Pool) { p.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithJitter replaces the backoff randomness source.
func WithJitter(fn func() float64) Option {
	return func(p *Pool) { p.jitter = fn }
}

// NewPool wires a pool. Start launches it.
func NewPool(cfg Config, q *queue.Queue, producer messaging.Producer, breaker *reliability.Breaker, builder RecordBuilder, opts ...Option) *Pool {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.Lanes * cfg.BatchSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		producer: producer,
		breaker:  breaker,
		builder:  builder,
		logger:   slog.Default(),
		jitter:   reliability.Jitter,
		slots:    make(chan struct{}, cfg.MaxInFlight),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lanes = make([]chan *models.TelemetryEvent, cfg.Lanes)
	for i := range p.lanes {
		p.lanes[i] = make(chan *models.TelemetryEvent, cfg.BatchSize)
	}
	return p
}

// Start launches the dispatcher and lanes. The pool runs until the queue is
// closed and drained, or until Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.dispatch(ctx)
	for i, in := range p.lanes {
		l := &lane{id: i, pool: p, in: in}
		p.wg.Add(1)
		go l.run(ctx)
	}
	go func() {
		p.wg.Wait()
		p.collectLaneLeftovers()
		close(p.done)
	}()
}

// Stop cancels retries and new batches. Publishes already sent still wait
// for their acks, bounded by AckTimeout.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until every pool goroutine has exited or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits for the producer's outstanding acknowledgements.
func (p *Pool) Flush(ctx context.Context) (int, error) {
	return p.producer.Flush(ctx)
}

// Abandoned returns events taken from the queue that were never resolved.
// Only meaningful after Wait returned nil.
func (p *Pool) Abandoned() []*models.TelemetryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.TelemetryEvent, len(p.abandoned))
	copy(out, p.abandoned)
	return out
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Retries:   p.retries.Load(),
		Dropped:   p.dropped.Load(),
		InFlight:  p.inFlight.Load(),
	}
}

// LaneFor returns the lane index of an item.
func LaneFor(itemID string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(itemID)) % uint32(lanes))
}

func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		for _, in := range p.lanes {
			close(in)
		}
	}()

	for {
		ev, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error("dequeue failed", logging.Error(err))
			}
			return
		}
		p.inFlight.Add(1)

		select {
		case p.lanes[LaneFor(ev.ItemID, len(p.lanes))] <- ev:
		case <-ctx.Done():
			p.abandon(ev)
			return
		}
	}
}

func (p *Pool) abandon(evs ...*models.TelemetryEvent) {
	if len(evs) == 0 {
		return
	}
	p.inFlight.Add(-int64(len(evs)))
	p.mu.Lock()
	p.abandoned = append(p.abandoned, evs...)
	p.mu.Unlock()
}

func (p *Pool) collectLaneLeftovers() {
	for _, in := range p.lanes {
		for ev := range in {
			p.abandon(ev)
		}
	}
}

func (p *Pool) delivered(ev *models.TelemetryEvent, ack *messaging.Ack) {
	p.inFlight.Add(-1)
	p.published.Add(1)
	metrics.PublishTotal.WithLabelValues("success").Inc()
	if ack != nil && ack.Duplicate {
		metrics.PublishDuplicates.Inc()
	}
	now := time.Now()
	if !ev.EnqueuedAt.IsZero() {
		metrics.PublishLatency.Observe(now.Sub(ev.EnqueuedAt).Seconds())
	}
	if !ev.SourceTS.IsZero() {
		metrics.EndToEndLatency.Observe(now.Sub(ev.SourceTS).Seconds())
	}
	if p.listener != nil {
		p.listener.Delivered(ev, ack)
	}
}

func (p *Pool) drop(ev *models.TelemetryEvent, reason string, attempts int, err error) {
	p.inFlight.Add(-1)
	p.dropped.Add(1)
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	p.logger.Error("telemetry event dropped",
		logging.ItemID(ev.ItemID),
		logging.EventID(ev.EventID),
		logging.Reason(reason),
		logging.Attempt(attempts),
		logging.Error(err),
	)
	if p.listener != nil {
		p.listener.Dropped(ev, reason, err)
	}
}
