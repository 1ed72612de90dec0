package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
)

type fakeSession struct {
	updates chan *models.RawUpdate
	drop    chan error
	closed  chan struct{}
	once    sync.Once

	mu         sync.Mutex
	subscribed []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		updates: make(chan *models.RawUpdate, 64),
		drop:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSession) Subscribe(_ context.Context, items []string) error {
	s.mu.Lock()
	s.subscribed = append([]string(nil), items...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Next(ctx context.Context) (*models.RawUpdate, error) {
	select {
	case u := <-s.updates:
		return u, nil
	case err := <-s.drop:
		return nil, &ConnectionError{Op: "read", Err: err}
	case <-s.closed:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// fakeTransport hands out sessions in order and fails dials while failing > 0.
type fakeTransport struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    int
	failing  int
	dialed   chan *fakeSession
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeSession, 16)}
}

func (t *fakeTransport) Dial(context.Context) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failing > 0 {
		t.failing--
		return nil, &ConnectionError{Op: "dial", Err: errors.New("connection refused")}
	}
	s := newFakeSession()
	t.sessions = append(t.sessions, s)
	t.dialed <- s
	return s, nil
}

type collector struct {
	mu  sync.Mutex
	got []*models.RawUpdate
}

func (c *collector) sink(_ context.Context, u *models.RawUpdate) {
	c.mu.Lock()
	c.got = append(c.got, u)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type outageLog struct {
	mu      sync.Mutex
	outages []Outage
}

func (o *outageLog) RecordOutage(_ context.Context, out Outage) error {
	o.mu.Lock()
	o.outages = append(o.outages, out)
	o.mu.Unlock()
	return nil
}

func testManagerConfig() Config {
	return Config{
		Items:         []string{"USLAB000061", "NODE3000005", "S0000004"},
		HandoffBuffer: 8,
		Reconnect: reliability.RetryPolicy{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func update(item string) *models.RawUpdate {
	return &models.RawUpdate{
		ItemID:          item,
		SourceTimestamp: "2025-01-01T12:00:00Z",
		Value:           models.StringPtr("1"),
		Origin:          models.OriginFeed,
	}
}

func awaitSession(t *testing.T, tr *fakeTransport) *fakeSession {
	t.Helper()
	select {
	case s := <-tr.dialed:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no session dialed")
		return nil
	}
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestManager_SubscribesAndForwards(t *testing.T) {
	tr := newFakeTransport()
	c := &collector{}
	m := NewManager(testManagerConfig(), tr, c.sink, WithLogger(logging.Discard().Logger))
	m.Start(context.Background())
	defer closeManager(t, m)

	s := awaitSession(t, tr)
	require.Eventually(t, func() bool { return m.State() == StateSubscribed }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"NODE3000005", "S0000004", "USLAB000061"}, s.items())

	s.updates <- update("USLAB000061")
	s.updates <- update("NODE3000005")
	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), m.Counters().Forwarded)
}

func TestManager_ReconnectResubscribesSameItems(t *testing.T) {
	tr := newFakeTransport()
	c := &collector{}
	outages := &outageLog{}
	m := NewManager(testManagerConfig(), tr, c.sink,
		WithLogger(logging.Discard().Logger), WithOutageRecorder(outages))
	m.Start(context.Background())
	defer closeManager(t, m)

	first := awaitSession(t, tr)
	require.Eventually(t, func() bool { return m.State() == StateSubscribed }, time.Second, time.Millisecond)

	for cycle := 1; cycle <= 3; cycle++ {
		tr.mu.Lock()
		tr.failing = 2
		tr.mu.Unlock()

		prev := first
		prev.drop <- errors.New("connection reset")
		next := awaitSession(t, tr)
		require.Eventually(t, func() bool { return m.Counters().Reconnects == int64(cycle) }, time.Second, time.Millisecond)

		assert.Equal(t, prev.items(), next.items())
		assert.Equal(t, StateSubscribed, m.State())
		first = next
	}

	counters := m.Counters()
	assert.Equal(t, int64(3), counters.Reconnects, "one reconnect per outage regardless of failed attempts")
	assert.Equal(t, int64(6), counters.Failures)

	outages.mu.Lock()
	defer outages.mu.Unlock()
	require.Len(t, outages.outages, 3)
	for _, o := range outages.outages {
		assert.False(t, o.End.Before(o.Start))
		assert.NotEmpty(t, o.SessionID)
	}
}

func TestManager_PauseDiscardsAndResumeForwards(t *testing.T) {
	tr := newFakeTransport()
	c := &collector{}
	m := NewManager(testManagerConfig(), tr, c.sink, WithLogger(logging.Discard().Logger))
	m.Start(context.Background())
	defer closeManager(t, m)

	s := awaitSession(t, tr)
	m.Pause(PauseQueueFull)
	m.Pause(PauseBreaker)
	assert.True(t, m.Paused())
	assert.Equal(t, []PauseReason{PauseBreaker, PauseQueueFull}, m.PauseReasons())

	for i := 0; i < 5; i++ {
		s.updates <- update("USLAB000061")
	}
	require.Eventually(t, func() bool { return m.Counters().Discarded == 5 }, time.Second, time.Millisecond)
	assert.Zero(t, c.len())

	m.Resume(PauseQueueFull)
	assert.True(t, m.Paused(), "breaker pause still held")
	m.Resume(PauseBreaker)
	assert.False(t, m.Paused())

	s.updates <- update("USLAB000061")
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateSubscribed, m.State(), "pausing never drops the subscription")
}

func TestManager_HandoffFullDiscards(t *testing.T) {
	tr := newFakeTransport()
	block := make(chan struct{})
	var mu sync.Mutex
	seen := 0
	sink := func(ctx context.Context, _ *models.RawUpdate) {
		mu.Lock()
		seen++
		mu.Unlock()
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	cfg := testManagerConfig()
	cfg.HandoffBuffer = 2
	m := NewManager(cfg, tr, sink, WithLogger(logging.Discard().Logger))
	m.Start(context.Background())

	s := awaitSession(t, tr)
	for i := 0; i < 10; i++ {
		s.updates <- update("USLAB000061")
	}
	require.Eventually(t, func() bool { return m.Counters().Discarded >= 7 }, time.Second, time.Millisecond)
	close(block)
	closeManager(t, m)
}

func TestManager_StopIntakeAndClose(t *testing.T) {
	tr := newFakeTransport()
	c := &collector{}
	m := NewManager(testManagerConfig(), tr, c.sink, WithLogger(logging.Discard().Logger))
	m.Start(context.Background())

	s := awaitSession(t, tr)
	assert.True(t, m.Live())

	m.StopIntake()
	s.updates <- update("USLAB000061")
	require.Eventually(t, func() bool { return m.Counters().Discarded == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, c.len())

	closeManager(t, m)
	assert.False(t, m.Live())
	assert.Equal(t, StateDisconnected, m.State())

	select {
	case <-s.closed:
	default:
		t.Fatal("session not closed")
	}
}

func TestManager_RetriesInitialConnectIndefinitely(t *testing.T) {
	tr := newFakeTransport()
	tr.failing = 20
	c := &collector{}
	m := NewManager(testManagerConfig(), tr, c.sink, WithLogger(logging.Discard().Logger))
	m.Start(context.Background())
	defer closeManager(t, m)

	awaitSession(t, tr)
	require.Eventually(t, func() bool { return m.State() == StateSubscribed }, time.Second, time.Millisecond)
	assert.Equal(t, int64(21), m.Counters().Attempts)
	assert.Zero(t, m.Counters().Reconnects, "the first subscription is not a reconnect")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}
