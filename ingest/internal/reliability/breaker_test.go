package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, observed *[]Transition) *Breaker {
	cfg := BreakerConfig{FailureThreshold: 3, Window: 30 * time.Second, Cooldown: 15 * time.Second, HalfOpenTrials: 1}
	return NewBreaker(cfg,
		WithClock(clock.Now),
		WithObserver(func(t Transition) { *observed = append(*observed, t) }),
	)
}

func TestBreaker_OpensOnThresholdFailure(t *testing.T) {
	clock := newFakeClock()
	var observed []Transition
	b := newTestBreaker(clock, &observed)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
		assert.Equal(t, StateClosed, b.State(), "failure %d must not open the breaker", i+1)
	}

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	require.Len(t, observed, 1)
	assert.Equal(t, StateClosed, observed[0].From)
	assert.Equal(t, StateOpen, observed[0].To)
}

func TestBreaker_OpenRejectsImmediately(t *testing.T) {
	clock := newFakeClock()
	var observed []Transition
	b := newTestBreaker(clock, &observed)
	for i := 0; i < 3; i++ {
		b.Failure()
	}

	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	clock.Advance(14 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	var observed []Transition
	b := newTestBreaker(clock, &observed)
	for i := 0; i < 3; i++ {
		b.Failure()
	}

	clock.Advance(15 * time.Second)
	require.NoError(t, b.Allow(), "first call after cooldown is the trial")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "trial budget is one")

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	require.Len(t, observed, 3)
	assert.Equal(t, StateHalfOpen, observed[1].To)
	assert.Equal(t, StateClosed, observed[2].To)
	assert.Equal(t, int64(3), b.Snapshot().Transitions)
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	var observed []Transition
	b := newTestBreaker(clock, &observed)
	for i := 0; i < 3; i++ {
		b.Failure()
	}

	clock.Advance(15 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())

	// cooldown restarts from the trial failure
	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	clock.Advance(5 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	clock := newFakeClock()
	var observed []Transition
	b := newTestBreaker(clock, &observed)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().Failures)
}

func TestBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clock := newFakeClock()
	var observed []Transition
	b := newTestBreaker(clock, &observed)

	b.Failure()
	b.Failure()
	clock.Advance(31 * time.Second)
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_ReleaseReturnsTrialSlot(t *testing.T) {
	clock := newFakeClock()
	var observed []Transition
	b := newTestBreaker(clock, &observed)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.Advance(15 * time.Second)

	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	b.Release()
	assert.NoError(t, b.Allow())
}

func TestBreaker_WaitWakesAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Millisecond, HalfOpenTrials: 1})
	b.Failure()
	require.Equal(t, StateOpen, b.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, b.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.NoError(t, b.Allow())
}

func TestBreaker_WaitHonoursContext(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	b.Failure()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
