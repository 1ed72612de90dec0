// Package feed maintains the live telemetry subscription. A reader goroutine
// pulls updates off the session and hands them to a small buffer without
// blocking; a consumer goroutine passes them on to the pipeline.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
)

// State is the subscription state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// PauseReason names who asked intake to pause. Intake is paused while any
// reason is held.
type PauseReason string

const (
	PauseBreaker   PauseReason = "breaker"
	PauseQueueFull PauseReason = "queue_full"
	PauseShutdown  PauseReason = "shutdown"
)

// Sink receives updates on the consumer goroutine.
type Sink func(ctx context.Context, u *models.RawUpdate)

// Outage is a window during which the feed was not subscribed. Updates
// published by the feed in that window are lost; the feed has no replay.
type Outage struct {
	SessionID string
	Start     time.Time
	End       time.Time
	Cause     string
}

// OutageRecorder persists outage windows.
type OutageRecorder interface {
	RecordOutage(ctx context.Context, o Outage) error
}

// Config configures a Manager.
type Config struct {
	Items         []string
	HandoffBuffer int
	// Reconnect shapes the delay between connection attempts. MaxAttempts is
	// ignored: reconnection never gives up.
	Reconnect reliability.RetryPolicy
}

// Counters is a snapshot of connection counters.
type Counters struct {
	Attempts   int64 `json:"attempts"`
	Failures   int64 `json:"failures"`
	Reconnects int64 `json:"reconnects"`
	Forwarded  int64 `json:"forwarded"`
	Discarded  int64 `json:"discarded"`
}

// Manager owns one logical subscription to a fixed item set.
type Manager struct {
	items     []string
	cfg       Config
	transport Transport
	sink      Sink
	logger    *slog.Logger
	outages   OutageRecorder
	jitter    func() float64

	state         atomic.Int32
	intakeStopped atomic.Bool
	paused        atomic.Bool

	pauseMu sync.Mutex
	pauses  map[PauseReason]struct{}

	handoff chan *models.RawUpdate

	sessMu    sync.Mutex
	session   Session
	sessionID string

	attempts   atomic.Int64
	failures   atomic.Int64
	reconnects atomic.Int64
	forwarded  atomic.Int64
	discarded  atomic.Int64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
	closing   atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithOutageRecorder persists outage windows.
func WithOutageRecorder(r OutageRecorder) ManagerOption {
	return func(m *Manager) { m.outages = r }
}

// WithJitter replaces the reconnect jitter source.
func WithJitter(fn func() float64) ManagerOption {
	return func(m *Manager) { m.jitter = fn }
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, transport Transport, sink Sink, opts ...ManagerOption) *Manager {
	if cfg.HandoffBuffer <= 0 {
		cfg.HandoffBuffer = 256
	}
	items := append([]string(nil), cfg.Items...)
	sort.Strings(items)

	m := &Manager{
		items:     items,
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		logger:    slog.Default(),
		jitter:    reliability.Jitter,
		pauses:    make(map[PauseReason]struct{}),
		handoff:   make(chan *models.RawUpdate, cfg.HandoffBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setState(StateDisconnected)
	return m
}

// Items returns the subscribed item set.
func (m *Manager) Items() []string {
	return append([]string(nil), m.items...)
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	metrics.FeedState.Set(float64(s))
	if prev != s {
		m.logger.Debug("feed state changed",
			slog.String("from", prev.String()),
			logging.State(s),
		)
	}
}

// Start launches the connection loop and the consumer.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.connectLoop(ctx)
	go m.consume(ctx)
}

// Live is false once shutdown has begun. The feed itself is never considered
// irrecoverably down because reconnection is unbounded.
func (m *Manager) Live() bool {
	return !m.closing.Load()
}

// Paused reports whether intake is paused for any reason.
func (m *Manager) Paused() bool {
	return m.paused.Load()
}

// PauseReasons lists the held pause reasons.
func (m *Manager) PauseReasons() []PauseReason {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	out := make([]PauseReason, 0, len(m.pauses))
	for r := range m.pauses {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pause stops forwarding updates without dropping the subscription.
func (m *Manager) Pause(reason PauseReason) {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if _, held := m.pauses[reason]; held {
		return
	}
	m.pauses[reason] = struct{}{}
	m.paused.Store(true)
	metrics.IntakePaused.WithLabelValues(string(reason)).Set(1)
	m.logger.Warn("feed intake paused", logging.Reason(string(reason)))
}

// Resume releases one pause reason.
func (m *Manager) Resume(reason PauseReason) {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if _, held := m.pauses[reason]; !held {
		return
	}
	delete(m.pauses, reason)
	m.paused.Store(len(m.pauses) > 0)
	metrics.IntakePaused.WithLabelValues(string(reason)).Set(0)
	m.logger.Info("feed intake resumed", logging.Reason(string(reason)), slog.Bool("still_paused", len(m.pauses) > 0))
}

// StopIntake stops forwarding for good. The connection stays open until Close.
func (m *Manager) StopIntake() {
	if m.intakeStopped.CompareAndSwap(false, true) {
		m.Pause(PauseShutdown)
	}
}

// Close tears the subscription down and waits for the goroutines to exit.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.closing.Store(true)
		m.StopIntake()
		m.setState(StateShuttingDown)
		if m.cancel != nil {
			m.cancel()
		}
		m.closeSession()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		m.setState(StateDisconnected)
	})
	return err
}

// Counters returns connection counters.
func (m *Manager) Counters() Counters {
	return Counters{
		Attempts:   m.attempts.Load(),
		Failures:   m.failures.Load(),
		Reconnects: m.reconnects.Load(),
		Forwarded:  m.forwarded.Load(),
		Discarded:  m.discarded.Load(),
	}
}

func (m *Manager) closeSession() {
	m.sessMu.Lock()
	s := m.session
	m.session = nil
	m.sessMu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

func (m *Manager) connectLoop(ctx context.Context) {
	defer m.wg.Done()

	var (
		failedAttempts int
		connectedOnce  bool
		outageStart    time.Time
		outageCause    string
	)

	for ctx.Err() == nil {
		if connectedOnce {
			m.setState(StateReconnecting)
			metrics.ReconnectAttempts.Inc()
		} else {
			m.setState(StateConnecting)
		}
		m.attempts.Add(1)

		sess, sessionID, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failedAttempts++
			m.failures.Add(1)
			metrics.ReconnectFailures.Inc()
			delay := reliability.Backoff(m.cfg.Reconnect, failedAttempts, m.jitter)
			m.logger.Warn("feed connection attempt failed",
				logging.Attempt(failedAttempts),
				logging.Duration(delay.Milliseconds()),
				logging.Error(err),
			)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		failedAttempts = 0
		connectedOnce = true
		m.setState(StateSubscribed)
		if !outageStart.IsZero() {
			m.recovered(ctx, sessionID, outageStart, outageCause)
			outageStart = time.Time{}
		} else {
			m.logger.Info("feed subscribed", logging.Session(sessionID), slog.Int("items", len(m.items)))
		}

		err = m.readLoop(ctx, sess)
		m.closeSession()
		if ctx.Err() != nil {
			return
		}

		outageStart = time.Now()
		outageCause = errString(err)
		m.setState(StateReconnecting)
		m.logger.Warn("feed connection lost", logging.Session(sessionID), logging.Error(err))

		if !sleepCtx(ctx, reliability.Backoff(m.cfg.Reconnect, 1, m.jitter)) {
			return
		}
	}
}

// connect dials and subscribes the full item set.
func (m *Manager) connect(ctx context.Context) (Session, string, error) {
	sess, err := m.transport.Dial(ctx)
	if err != nil {
		return nil, "", err
	}
	if err := sess.Subscribe(ctx, m.Items()); err != nil {
		_ = sess.Close()
		return nil, "", err
	}

	id := uuid.NewString()
	m.sessMu.Lock()
	m.session = sess
	m.sessionID = id
	m.sessMu.Unlock()
	return sess, id, nil
}

func (m *Manager) recovered(ctx context.Context, sessionID string, start time.Time, cause string) {
	end := time.Now()
	outage := end.Sub(start)
	m.reconnects.Add(1)
	metrics.Reconnects.Inc()
	metrics.FeedOutageSeconds.Observe(outage.Seconds())
	m.logger.Warn("feed recovered; updates during the outage are not recoverable",
		logging.Session(sessionID),
		logging.Duration(outage.Milliseconds()),
	)
	if m.outages != nil {
		o := Outage{SessionID: sessionID, Start: start, End: end, Cause: cause}
		if err := m.outages.RecordOutage(ctx, o); err != nil {
			m.logger.Warn("failed to record feed outage", logging.Error(err))
		}
	}
}

// readLoop runs the reader side of the hand-off. It never blocks on the
// pipeline: a full hand-off buffer discards the update.
func (m *Manager) readLoop(ctx context.Context, sess Session) error {
	for {
		u, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		metrics.UpdatesReceived.WithLabelValues(string(models.OriginFeed)).Inc()

		if m.paused.Load() {
			m.discard("paused")
			continue
		}
		select {
		case m.handoff <- u:
		default:
			m.discard("handoff_full")
		}
	}
}

func (m *Manager) discard(reason string) {
	m.discarded.Add(1)
	metrics.UpdatesDiscarded.WithLabelValues(reason).Inc()
}

func (m *Manager) consume(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case u := <-m.handoff:
			if m.intakeStopped.Load() {
				m.discard("intake_stopped")
				continue
			}
			m.forwarded.Add(1)
			m.sink(ctx, u)
		case <-ctx.Done():
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Op
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
