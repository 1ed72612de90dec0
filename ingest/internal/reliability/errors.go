package reliability

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/issdata/telemetry-stack/common/messaging"
)

// ErrBreakerOpen is returned for publish attempts short-circuited by an open breaker.
var ErrBreakerOpen = errors.New("circuit breaker open")

// ErrorClass tells the publish worker what to do with a failure.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassTransient failures are retried with backoff.
	ClassTransient
	// ClassFatal failures are dropped without retry.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

// PublishError is a publish failure with its class decided.
type PublishError struct {
	Class ErrorClass
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s publish error: %v", e.Class, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Class: ClassTransient, Err: err}
}

// Fatal marks err as not retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Class: ClassFatal, Err: err}
}

// Classify decides whether a publish error is worth retrying. Unknown errors
// are transient; the attempt cap turns a persistent one into a drop.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Class
	}

	switch {
	case errors.Is(err, ErrBreakerOpen),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrStaleConnection):
		return ClassTransient
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, messaging.ErrProducerClosed),
		errors.Is(err, context.Canceled):
		return ClassFatal
	}

	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 || apiErr.Code == 408 || apiErr.Code == 429 {
			return ClassTransient
		}
		return ClassFatal
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
