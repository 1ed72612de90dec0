// Package service is the pipeline facade. It runs validation and enrichment
// for both intake paths, applies backpressure, reacts to breaker transitions
// and resolves publish outcomes.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/ingest/internal/delivery"
	"github.com/issdata/telemetry-stack/ingest/internal/enricher"
	"github.com/issdata/telemetry-stack/ingest/internal/feed"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/publisher"
	"github.com/issdata/telemetry-stack/ingest/internal/queue"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
	"github.com/issdata/telemetry-stack/ingest/internal/validator"
)

// Intake is the feed-side control surface. *feed.Manager implements it.
type Intake interface {
	Pause(reason feed.PauseReason)
	Resume(reason feed.PauseReason)
	Paused() bool
	Live() bool
	State() feed.State
}

// DeadLetterWriter persists undeliverable events.
type DeadLetterWriter interface {
	Write(ctx context.Context, ev *models.TelemetryEvent, reason string, cause error) error
}

// StatsRecorder receives every acknowledged event.
type StatsRecorder interface {
	Record(ev *models.TelemetryEvent)
}

// Options wires the service.
type Options struct {
	Chain           *validator.Chain
	Enricher        *enricher.Enricher
	Queue           *queue.Queue
	Breaker         *reliability.Breaker
	Producer        messaging.Producer
	Tracker         *delivery.Tracker
	DeadLetters     DeadLetterWriter
	ItemStats       StatsRecorder
	MaxPayloadBytes int
	// ResumeWatermark is the fraction of capacity at or below which a
	// queue_full pause is released.
	ResumeWatermark float64
	WatchInterval   time.Duration
	Logger          *slog.Logger
}

type deadLetter struct {
	ev     *models.TelemetryEvent
	reason string
	err    error
}

type IngestService struct {
	opts   Options
	logger *slog.Logger
	intake Intake

	received      atomic.Int64
	enqueued      atomic.Int64
	rejected      atomic.Int64
	backpressured atomic.Int64
	published     atomic.Int64
	dropped       atomic.Int64
	lastEnqueued  atomic.Int64

	shuttingDown atomic.Bool
	healthFailed atomic.Bool

	// pauseMu orders queueFull with the matching Pause/Resume call.
	pauseMu   sync.Mutex
	queueFull bool

	dlqMu     sync.RWMutex
	dlqClosed bool
	dlqCh     chan deadLetter
	dlqDone   chan struct{}
}

func NewIngestService(opts Options) *IngestService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResumeWatermark <= 0 || opts.ResumeWatermark >= 1 {
		opts.ResumeWatermark = 0.5
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 100 * time.Millisecond
	}
	s := &IngestService{
		opts:    opts,
		logger:  opts.Logger,
		dlqCh:   make(chan deadLetter, 1024),
		dlqDone: make(chan struct{}),
	}
	go s.runDeadLetters()
	return s
}

// SetIntake attaches the feed. The feed is built with HandleFeedUpdate as its
// sink, so it is attached after construction.
func (s *IngestService) SetIntake(in Intake) {
	s.intake = in
}

// Submit is the external submission entry point.
func (s *IngestService) Submit(ctx context.Context, payload []byte) models.SubmitResult {
	s.received.Add(1)
	metrics.UpdatesReceived.WithLabelValues(string(models.OriginSubmit)).Inc()

	if s.shuttingDown.Load() {
		return models.SubmitResult{Status: models.StatusShuttingDown, Reason: "shutting_down"}
	}

	raw, err := validator.ParseSubmission(payload, s.opts.MaxPayloadBytes)
	if err != nil {
		return s.rejection(err, payload)
	}

	ev, err := s.process(ctx, raw)
	if err != nil {
		return s.rejection(err, payload)
	}
	if s.opts.Tracker != nil {
		s.opts.Tracker.Track(ev.EventID, ev.ItemID)
	}

	switch err := s.enqueue(ev); {
	case err == nil:
		return models.SubmitResult{Status: models.StatusEnqueued, EventID: ev.EventID}
	case errors.Is(err, queue.ErrFull):
		if s.opts.Tracker != nil {
			s.opts.Tracker.Dropped(ev.EventID, "backpressure_full")
		}
		return models.SubmitResult{Status: models.StatusBackpressureFull, EventID: ev.EventID, Reason: "queue_full"}
	default:
		if s.opts.Tracker != nil {
			s.opts.Tracker.Dropped(ev.EventID, "shutting_down")
		}
		return models.SubmitResult{Status: models.StatusShuttingDown, EventID: ev.EventID, Reason: "queue_closed"}
	}
}

// HandleFeedUpdate is the feed consumer's sink. A full queue pauses intake
// and the update is discarded; the feed has no replay.
func (s *IngestService) HandleFeedUpdate(ctx context.Context, u *models.RawUpdate) {
	s.received.Add(1)

	ev, err := s.process(ctx, u)
	if err != nil {
		s.rejection(err, nil)
		return
	}

	switch err := s.enqueue(ev); {
	case err == nil:
	case errors.Is(err, queue.ErrFull):
		s.pauseForQueueFull()
		s.logger.Warn("queue full, feed update discarded",
			logging.ItemID(ev.ItemID),
			logging.EventID(ev.EventID),
		)
	default:
		metrics.UpdatesDiscarded.WithLabelValues("queue_closed").Inc()
	}
}

// process validates and enriches one update.
func (s *IngestService) process(ctx context.Context, u *models.RawUpdate) (*models.TelemetryEvent, error) {
	metrics.EventBytesTotal.Add(float64(u.Size))

	v, err := s.opts.Chain.Validate(ctx, u)
	if err != nil {
		return nil, err
	}
	ev, err := s.opts.Enricher.Enrich(v)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *IngestService) enqueue(ev *models.TelemetryEvent) error {
	ev.EnqueuedAt = time.Now()
	err := s.opts.Queue.TryEnqueue(ev)
	if err == nil {
		s.enqueued.Add(1)
		s.lastEnqueued.Store(ev.EnqueuedAt.UnixNano())
		metrics.EventsIngested.WithLabelValues(string(ev.Origin)).Inc()
		return nil
	}
	if errors.Is(err, queue.ErrFull) {
		s.backpressured.Add(1)
		metrics.EnqueueRejections.WithLabelValues(string(ev.Origin)).Inc()
	}
	return err
}

func (s *IngestService) rejection(err error, payload []byte) models.SubmitResult {
	s.rejected.Add(1)

	var verr *validator.ValidationError
	if !errors.As(err, &verr) {
		verr = &validator.ValidationError{Reason: validator.ReasonMalformed, Detail: err.Error()}
	}
	metrics.ValidationRejections.WithLabelValues(verr.Reason).Inc()

	attrs := []any{
		logging.Reason(verr.Reason),
		slog.String("field", verr.Field),
		slog.String("detail", logging.Truncate(verr.Detail, logging.MaxLoggedPayload)),
	}
	if payload != nil {
		attrs = append(attrs, logging.Payload(payload))
	}
	s.logger.Warn("update rejected", attrs...)

	return models.SubmitResult{Status: models.StatusValidationRejected, Reason: verr.Reason, Detail: verr.Error()}
}

// WatchQueue releases a queue_full pause once depth falls to the watermark.
// It returns when ctx is done.
func (s *IngestService) WatchQueue(ctx context.Context) {
	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkWatermark()
		}
	}
}

func (s *IngestService) pauseForQueueFull() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.queueFull {
		return
	}
	s.queueFull = true
	if s.intake != nil {
		s.intake.Pause(feed.PauseQueueFull)
	}
}

func (s *IngestService) checkWatermark() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.queueFull {
		return
	}
	q := s.opts.Queue
	if float64(q.Len()) > s.opts.ResumeWatermark*float64(q.Cap()) {
		return
	}
	s.queueFull = false
	if s.intake != nil {
		s.intake.Resume(feed.PauseQueueFull)
	}
}

// OnBreakerTransition is registered as a breaker observer. It runs under the
// breaker lock.
func (s *IngestService) OnBreakerTransition(t reliability.Transition) {
	metrics.BreakerState.Set(float64(t.To))
	metrics.BreakerTransitions.WithLabelValues(t.From.String(), t.To.String()).Inc()

	level := slog.LevelInfo
	if t.To == reliability.StateOpen {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "circuit breaker transition",
		slog.String("from", t.From.String()),
		logging.State(t.To),
		logging.Reason(t.Reason),
	)

	if s.intake == nil {
		return
	}
	switch t.To {
	case reliability.StateOpen:
		s.intake.Pause(feed.PauseBreaker)
	case reliability.StateClosed:
		s.intake.Resume(feed.PauseBreaker)
	}
}

// Delivered implements publisher.Listener.
func (s *IngestService) Delivered(ev *models.TelemetryEvent, ack *messaging.Ack) {
	s.published.Add(1)
	if s.opts.Tracker != nil && ack != nil {
		s.opts.Tracker.Delivered(ev.EventID, ack.Stream, ack.Sequence, ack.Duplicate)
	}
	if s.opts.ItemStats != nil {
		s.opts.ItemStats.Record(ev)
	}
}

// Dropped implements publisher.Listener. The dead-letter write happens off
// the caller's goroutine.
func (s *IngestService) Dropped(ev *models.TelemetryEvent, reason string, err error) {
	s.dropped.Add(1)
	if s.opts.Tracker != nil {
		s.opts.Tracker.Dropped(ev.EventID, reason)
	}
	if s.opts.DeadLetters == nil {
		return
	}

	s.dlqMu.RLock()
	defer s.dlqMu.RUnlock()
	if s.dlqClosed {
		s.logger.Error("dead letter skipped after close", logging.ItemID(ev.ItemID), logging.EventID(ev.EventID), logging.Reason(reason))
		return
	}
	select {
	case s.dlqCh <- deadLetter{ev: ev, reason: reason, err: err}:
	default:
		metrics.DLQWrites.WithLabelValues("skipped").Inc()
		s.logger.Error("dead letter buffer full, entry skipped",
			logging.ItemID(ev.ItemID),
			logging.EventID(ev.EventID),
			logging.Reason(reason),
		)
	}
}

func (s *IngestService) runDeadLetters() {
	defer close(s.dlqDone)
	for dl := range s.dlqCh {
		// Write logs its own failures.
		_ = s.opts.DeadLetters.Write(context.Background(), dl.ev, dl.reason, dl.err)
	}
}

// CloseDeadLetters stops accepting dead letters and waits until buffered
// entries are written or ctx ends.
func (s *IngestService) CloseDeadLetters(ctx context.Context) error {
	s.dlqMu.Lock()
	if !s.dlqClosed {
		s.dlqClosed = true
		close(s.dlqCh)
	}
	s.dlqMu.Unlock()

	select {
	case <-s.dlqDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginShutdown makes Submit answer shutting_down and liveness false.
func (s *IngestService) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// ShuttingDown reports whether shutdown has begun.
func (s *IngestService) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// SetHealthFail forces liveness false until cleared.
func (s *IngestService) SetHealthFail(fail bool) {
	s.healthFailed.Store(fail)
	s.logger.Warn("health override changed", slog.Bool("fail", fail))
}

// HealthFailed reports the admin override.
func (s *IngestService) HealthFailed() bool {
	return s.healthFailed.Load()
}

// Live is true unless shutdown has begun, the feed is terminally closed, or
// an operator forced failure.
func (s *IngestService) Live() bool {
	if s.shuttingDown.Load() || s.healthFailed.Load() {
		return false
	}
	return s.intake == nil || s.intake.Live()
}

// Ready additionally requires a connected bus and a breaker that is not open.
func (s *IngestService) Ready() bool {
	if !s.Live() {
		return false
	}
	if s.opts.Producer != nil && !s.opts.Producer.IsConnected() {
		return false
	}
	return s.opts.Breaker == nil || s.opts.Breaker.State() != reliability.StateOpen
}

// Delivery looks up a tracked submission.
func (s *IngestService) Delivery(eventID string) (delivery.Delivery, bool) {
	if s.opts.Tracker == nil {
		return delivery.Delivery{}, false
	}
	return s.opts.Tracker.Get(eventID)
}

// BreakerSnapshot returns the breaker state.
func (s *IngestService) BreakerSnapshot() reliability.BreakerSnapshot {
	if s.opts.Breaker == nil {
		return reliability.BreakerSnapshot{StateName: reliability.StateClosed.String()}
	}
	return s.opts.Breaker.Snapshot()
}

// FeedState returns the feed state name, or "disabled".
func (s *IngestService) FeedState() string {
	if s.intake == nil {
		return "disabled"
	}
	return s.intake.State().String()
}

func (s *IngestService) GetStats() models.IngestionStats {
	stats := models.IngestionStats{
		Received:      s.received.Load(),
		Enqueued:      s.enqueued.Load(),
		Rejected:      s.rejected.Load(),
		Backpressured: s.backpressured.Load(),
		Published:     s.published.Load(),
		Dropped:       s.dropped.Load(),
		QueueDepth:    s.opts.Queue.Len(),
		QueueCapacity: s.opts.Queue.Cap(),
		FeedState:     s.FeedState(),
		BreakerState:  s.BreakerSnapshot().StateName,
	}
	if ns := s.lastEnqueued.Load(); ns != 0 {
		stats.LastEnqueuedAt = time.Unix(0, ns).UTC()
	}
	return stats
}

var _ publisher.Listener = (*IngestService)(nil)
