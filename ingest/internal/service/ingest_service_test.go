package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/common/messaging/memory"
	"github.com/issdata/telemetry-stack/ingest/internal/delivery"
	"github.com/issdata/telemetry-stack/ingest/internal/enricher"
	"github.com/issdata/telemetry-stack/ingest/internal/feed"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/queue"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
	"github.com/issdata/telemetry-stack/ingest/internal/validator"
)

type fakeIntake struct {
	mu     sync.Mutex
	pauses map[feed.PauseReason]bool
	live   bool

	// pausing, when set, is closed as Pause starts and Pause then waits
	// pauseDelay before recording the reason.
	pausing    chan struct{}
	pauseDelay time.Duration
}

func newFakeIntake() *fakeIntake {
	return &fakeIntake{pauses: make(map[feed.PauseReason]bool), live: true}
}

func (f *fakeIntake) Pause(r feed.PauseReason) {
	if f.pausing != nil {
		close(f.pausing)
		f.pausing = nil
		time.Sleep(f.pauseDelay)
	}
	f.mu.Lock()
	f.pauses[r] = true
	f.mu.Unlock()
}

func (f *fakeIntake) Resume(r feed.PauseReason) {
	f.mu.Lock()
	delete(f.pauses, r)
	f.mu.Unlock()
}

func (f *fakeIntake) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pauses) > 0
}

func (f *fakeIntake) held(r feed.PauseReason) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses[r]
}

func (f *fakeIntake) Live() bool        { return f.live }
func (f *fakeIntake) State() feed.State { return feed.StateSubscribed }

type fakeDLQ struct {
	mu      sync.Mutex
	reasons map[string]string
}

func (f *fakeDLQ) Write(_ context.Context, ev *models.TelemetryEvent, reason string, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reasons == nil {
		f.reasons = make(map[string]string)
	}
	f.reasons[ev.EventID] = reason
	return nil
}

type fakeStats struct {
	mu    sync.Mutex
	items []string
}

func (f *fakeStats) Record(ev *models.TelemetryEvent) {
	f.mu.Lock()
	f.items = append(f.items, ev.ItemID)
	f.mu.Unlock()
}

type fixture struct {
	svc     *IngestService
	q       *queue.Queue
	intake  *fakeIntake
	tracker *delivery.Tracker
	dlq     *fakeDLQ
	stats   *fakeStats
	breaker *reliability.Breaker
	bus     *memory.Producer
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{
		q:       queue.New(capacity),
		intake:  newFakeIntake(),
		tracker: delivery.NewTracker(time.Hour),
		dlq:     &fakeDLQ{},
		stats:   &fakeStats{},
		breaker: reliability.NewBreaker(reliability.DefaultBreakerConfig()),
		bus:     memory.NewProducer(),
	}
	t.Cleanup(f.tracker.Close)

	f.svc = NewIngestService(Options{
		Chain: validator.NewDefaultChain(validator.Options{
			MaxPayloadBytes: 4096,
			MaxFieldLength:  256,
			Items:           []string{"USLAB000061", "NODE3000005"},
		}),
		Enricher:        enricher.New(1, models.DefaultSource),
		Queue:           f.q,
		Breaker:         f.breaker,
		Producer:        f.bus,
		Tracker:         f.tracker,
		DeadLetters:     f.dlq,
		ItemStats:       f.stats,
		MaxPayloadBytes: 4096,
		ResumeWatermark: 0.5,
		Logger:          logging.Discard().Logger,
	})
	f.svc.SetIntake(f.intake)
	return f
}

const validPayload = `{"item_id":"USLAB000061","source_ts":"2025-01-01T12:00:00Z","value":12.34,"status_class":"OK"}`

func feedUpdate(item string) *models.RawUpdate {
	return &models.RawUpdate{
		ItemID:          item,
		SourceTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Value:           models.StringPtr("1.0"),
		Origin:          models.OriginFeed,
		Size:            64,
	}
}

func TestSubmit_Enqueued(t *testing.T) {
	f := newFixture(t, 10)

	res := f.svc.Submit(context.Background(), []byte(validPayload))
	require.Equal(t, models.StatusEnqueued, res.Status)

	want := enricher.EventID(enricher.IdentityFields{
		ItemID:        "USLAB000061",
		SourceTS:      time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Value:         "12.34",
		StatusClass:   models.StringPtr("OK"),
		SchemaVersion: 1,
	})
	assert.Equal(t, want, res.EventID, "numeric value keeps its literal text")
	assert.Equal(t, 1, f.q.Len())

	d, ok := f.svc.Delivery(res.EventID)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusPending, d.Status)

	again := f.svc.Submit(context.Background(), []byte(validPayload))
	assert.Equal(t, res.EventID, again.EventID, "identical submissions share an id")
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"invalid json", `{"item_id":`, validator.ReasonMalformed},
		{"missing item", `{"source_ts":"2025-01-01T12:00:00Z","value":"1"}`, validator.ReasonMissingItemID},
		{"missing value", `{"item_id":"X","source_ts":"2025-01-01T12:00:00Z"}`, validator.ReasonMissingValue},
		{"naive timestamp", `{"item_id":"X","source_ts":"2025-01-01T12:00:00","value":"1"}`, validator.ReasonInvalidTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			res := f.svc.Submit(context.Background(), []byte(tt.payload))
			assert.Equal(t, models.StatusValidationRejected, res.Status)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Zero(t, f.q.Len())
			assert.Equal(t, int64(1), f.svc.GetStats().Rejected)
		})
	}
}

func TestSubmit_BackpressureAtCapacity(t *testing.T) {
	const capacity = 3
	f := newFixture(t, capacity)

	for i := 0; i < capacity; i++ {
		payload := `{"item_id":"USLAB000061","source_ts":"2025-01-01T12:00:0` + string(rune('0'+i)) + `Z","value":"1"}`
		require.Equal(t, models.StatusEnqueued, f.svc.Submit(context.Background(), []byte(payload)).Status)
	}

	start := time.Now()
	res := f.svc.Submit(context.Background(), []byte(`{"item_id":"USLAB000061","source_ts":"2025-01-01T13:00:00Z","value":"1"}`))
	assert.Equal(t, models.StatusBackpressureFull, res.Status)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(1), f.svc.GetStats().Backpressured)
	assert.False(t, f.intake.Paused(), "submissions never pause the feed")
}

func TestSubmit_ShuttingDown(t *testing.T) {
	f := newFixture(t, 10)
	f.svc.BeginShutdown()

	res := f.svc.Submit(context.Background(), []byte(validPayload))
	assert.Equal(t, models.StatusShuttingDown, res.Status)
	assert.False(t, f.svc.Live())
}

func TestSubmit_QueueClosedResolvesDelivery(t *testing.T) {
	f := newFixture(t, 10)
	f.q.Close()

	res := f.svc.Submit(context.Background(), []byte(validPayload))
	assert.Equal(t, models.StatusShuttingDown, res.Status)
	require.NotEmpty(t, res.EventID)

	d, ok := f.tracker.Get(res.EventID)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusDropped, d.Status)
	assert.Equal(t, "shutting_down", d.Reason)
}

func TestCheckWatermark_ConcurrentWithSlowPause(t *testing.T) {
	f := newFixture(t, 1)
	pausing := make(chan struct{})
	f.intake.pausing = pausing
	f.intake.pauseDelay = 100 * time.Millisecond

	f.svc.HandleFeedUpdate(context.Background(), feedUpdate("USLAB000061"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.HandleFeedUpdate(context.Background(), feedUpdate("NODE3000005"))
	}()

	<-pausing
	f.q.TryDequeue()
	f.svc.checkWatermark()
	<-done

	// Whichever order the two calls resolve in, a drained queue must not
	// leave a queue_full pause behind.
	f.svc.checkWatermark()
	assert.False(t, f.intake.held(feed.PauseQueueFull))
	assert.Zero(t, f.q.Len())
}

func TestHandleFeedUpdate_QueueFullPausesAndWatermarkResumes(t *testing.T) {
	f := newFixture(t, 4)

	for i := 0; i < 4; i++ {
		f.svc.HandleFeedUpdate(context.Background(), feedUpdate("USLAB000061"))
	}
	assert.False(t, f.intake.held(feed.PauseQueueFull))

	f.svc.HandleFeedUpdate(context.Background(), feedUpdate("NODE3000005"))
	assert.True(t, f.intake.held(feed.PauseQueueFull))
	assert.Equal(t, 4, f.q.Len())

	f.q.TryDequeue()
	f.svc.checkWatermark()
	assert.True(t, f.intake.held(feed.PauseQueueFull), "3 of 4 is above the watermark")

	f.q.TryDequeue()
	f.svc.checkWatermark()
	assert.False(t, f.intake.held(feed.PauseQueueFull))
}

func TestHandleFeedUpdate_UnknownItemRejected(t *testing.T) {
	f := newFixture(t, 4)
	f.svc.HandleFeedUpdate(context.Background(), feedUpdate("NOT_CONFIGURED"))
	assert.Zero(t, f.q.Len())
	assert.Equal(t, int64(1), f.svc.GetStats().Rejected)
}

func TestOnBreakerTransition_PausesAndResumesIntake(t *testing.T) {
	f := newFixture(t, 4)

	f.svc.OnBreakerTransition(reliability.Transition{From: reliability.StateClosed, To: reliability.StateOpen})
	assert.True(t, f.intake.held(feed.PauseBreaker))

	f.svc.OnBreakerTransition(reliability.Transition{From: reliability.StateOpen, To: reliability.StateHalfOpen})
	assert.True(t, f.intake.held(feed.PauseBreaker), "half-open keeps intake paused")

	f.svc.OnBreakerTransition(reliability.Transition{From: reliability.StateHalfOpen, To: reliability.StateClosed})
	assert.False(t, f.intake.held(feed.PauseBreaker))
}

func TestListener_DeliveredAndDropped(t *testing.T) {
	f := newFixture(t, 10)

	ok := f.svc.Submit(context.Background(), []byte(validPayload))
	lost := f.svc.Submit(context.Background(), []byte(`{"item_id":"NODE3000005","source_ts":"2025-01-01T12:00:00Z","value":"7"}`))

	ev1 := f.q.TryDequeue()
	ev2 := f.q.TryDequeue()
	require.NotNil(t, ev1)
	require.NotNil(t, ev2)

	f.svc.Delivered(ev1, &messaging.Ack{Stream: "TELEMETRY", Sequence: 9})
	f.svc.Dropped(ev2, "retries_exhausted", errors.New("nats: timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.svc.CloseDeadLetters(ctx))

	d, _ := f.svc.Delivery(ok.EventID)
	assert.Equal(t, delivery.StatusDelivered, d.Status)
	assert.Equal(t, uint64(9), d.Sequence)

	d, _ = f.svc.Delivery(lost.EventID)
	assert.Equal(t, delivery.StatusDropped, d.Status)
	assert.Equal(t, "retries_exhausted", f.dlq.reasons[lost.EventID])
	assert.Equal(t, []string{"USLAB000061"}, f.stats.items)

	stats := f.svc.GetStats()
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestLiveAndReady(t *testing.T) {
	f := newFixture(t, 10)
	assert.True(t, f.svc.Live())
	assert.True(t, f.svc.Ready())

	f.bus.SetConnected(false)
	assert.True(t, f.svc.Live())
	assert.False(t, f.svc.Ready())
	f.bus.SetConnected(true)

	f.svc.SetHealthFail(true)
	assert.False(t, f.svc.Live())
	f.svc.SetHealthFail(false)
	assert.True(t, f.svc.Live())

	f.intake.live = false
	assert.False(t, f.svc.Live())
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, 10)
	f.svc.Submit(context.Background(), []byte(validPayload))

	stats := f.svc.GetStats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, 10, stats.QueueCapacity)
	assert.Equal(t, "subscribed", stats.FeedState)
	assert.Equal(t, "closed", stats.BreakerState)
	assert.False(t, stats.LastEnqueuedAt.IsZero())
}
