package reliability

import (
	"context"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures inside Window open the breaker.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// HalfOpenTrials is how many probe publishes are let through.
	HalfOpenTrials int
}

// DefaultBreakerConfig returns the configured defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         15 * time.Second,
		HalfOpenTrials:   1,
	}
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Observer is notified of every transition. Observers run while the breaker
// lock is held, in transition order, and must not call back into the Breaker.
type Observer func(Transition)

// BreakerSnapshot is a read-only view of breaker state.
type BreakerSnapshot struct {
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Failures    int       `json:"failures"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	Transitions int64     `json:"transitions"`
}

// Breaker guards publishing. It is the only owner of breaker state; callers use
// Allow before an attempt and report the outcome with Success or Failure.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	trials       int
	transitions  int64
	observers    []Observer
	// changed is closed and replaced on every transition to wake waiters.
	changed chan struct{}
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) BreakerOption {
	return func(b *Breaker) { b.observers = append(b.observers, o) }
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	b := &Breaker{
		cfg:     cfg,
		now:     time.Now,
		state:   StateClosed,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Observe registers an observer after construction.
func (b *Breaker) Observe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Allow returns nil if an attempt may proceed and ErrBreakerOpen otherwise.
// An open breaker whose cooldown elapsed moves to half-open here.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrBreakerOpen
		}
		b.transitionLocked(StateHalfOpen, "cooldown elapsed")
		fallthrough
	case StateHalfOpen:
		if b.trials < b.cfg.HalfOpenTrials {
			b.trials++
			return nil
		}
		return ErrBreakerOpen
	}
	return nil
}

// Success records a confirmed publish.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.transitionLocked(StateClosed, "trial succeeded")
	}
}

// Failure records a transient publish failure.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if b.failures == 0 || (b.cfg.Window > 0 && now.Sub(b.firstFailure) > b.cfg.Window) {
			b.failures = 0
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, "trial failed")
	}
}

// Release returns an allowed attempt that never produced an outcome, such as
// one abandoned at shutdown, so a half-open trial slot is not leaked.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
		close(b.changed)
		b.changed = make(chan struct{})
	}
}

// Wait blocks until an attempt could be allowed or ctx is done.
func (b *Breaker) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		var wait time.Duration
		switch b.state {
		case StateClosed:
			b.mu.Unlock()
			return nil
		case StateHalfOpen:
			if b.trials < b.cfg.HalfOpenTrials {
				b.mu.Unlock()
				return nil
			}
		case StateOpen:
			wait = b.cfg.Cooldown - b.now().Sub(b.openedAt)
			if wait <= 0 {
				b.mu.Unlock()
				return nil
			}
		}
		changed := b.changed
		b.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
		case <-changed:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:       b.state,
		StateName:   b.state.String(),
		Failures:    b.failures,
		OpenedAt:    b.openedAt,
		Transitions: b.transitions,
	}
}

func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	now := b.now()
	b.state = to
	b.transitions++
	b.trials = 0
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	}
	close(b.changed)
	b.changed = make(chan struct{})

	t := Transition{From: from, To: to, At: now, Reason: reason}
	for _, o := range b.observers {
		o(t)
	}
}
