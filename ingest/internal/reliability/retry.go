// Package reliability holds the retry policy, the publish circuit breaker and
// the classification of publish errors into transient and fatal.
package reliability

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of a transient failure.
type RetryPolicy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on the un-jittered delay
	Multiplier   float64       // growth per attempt, typically 2.0
	Jitter       float64       // extra random fraction in [0, Jitter]
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Exhausted reports whether attempt (1-based, already made) used the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// BaseDelay is the un-jittered delay after the given 1-based attempt:
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func BaseDelay(p RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 || maxDelay < initial {
		maxDelay = initial
	}

	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Backoff returns the delay to wait after the given 1-based attempt failed.
// It is a pure function of its inputs: rnd supplies the jitter draw in [0,1).
// The result lies in [base, base*(1+Jitter)].
func Backoff(p RetryPolicy, attempt int, rnd func() float64) time.Duration {
	base := BaseDelay(p, attempt)
	if p.Jitter <= 0 || rnd == nil {
		return base
	}
	r := rnd()
	if r < 0 {
		r = 0
	} else if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	return base + time.Duration(float64(base)*p.Jitter*r)
}

// Jitter is the default randomness source for Backoff.
func Jitter() float64 {
	return rand.Float64()
}
