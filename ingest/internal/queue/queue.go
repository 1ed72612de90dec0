// Package queue is the bounded hand-off between intake and publishing.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

var (
	// ErrFull is returned by TryEnqueue when the queue is at capacity.
	ErrFull = errors.New("event queue full")
	// ErrClosed is returned once the queue is closed (and, for Dequeue, drained).
	ErrClosed = errors.New("event queue closed")
)

// Queue is a fixed-capacity FIFO. Enqueue never blocks; Dequeue suspends
// while the queue is empty.
type Queue struct {
	events chan *models.TelemetryEvent

	// mu orders sends against Close so a send never hits a closed channel.
	mu     sync.RWMutex
	closed bool
}

// New creates a queue holding at most capacity events.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	metrics.QueueCapacity.Set(float64(capacity))
	metrics.QueueDepth.Set(0)
	return &Queue{events: make(chan *models.TelemetryEvent, capacity)}
}

// TryEnqueue adds ev or returns ErrFull immediately.
func (q *Queue) TryEnqueue(ev *models.TelemetryEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.events <- ev:
		metrics.QueueDepth.Set(float64(len(q.events)))
		return nil
	default:
		return ErrFull
	}
}

// Dequeue returns the oldest event, waiting while the queue is empty. After
// Close it keeps returning queued events and then ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (*models.TelemetryEvent, error) {
	select {
	case ev, ok := <-q.events:
		if !ok {
			return nil, ErrClosed
		}
		metrics.QueueDepth.Set(float64(len(q.events)))
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryDequeue returns the oldest event without waiting, or nil.
func (q *Queue) TryDequeue() *models.TelemetryEvent {
	select {
	case ev, ok := <-q.events:
		if !ok {
			return nil
		}
		metrics.QueueDepth.Set(float64(len(q.events)))
		return ev
	default:
		return nil
	}
}

// Close stops intake. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Remaining removes and returns whatever is still queued.
func (q *Queue) Remaining() []*models.TelemetryEvent {
	var out []*models.TelemetryEvent
	for {
		ev := q.TryDequeue()
		if ev == nil {
			return out
		}
		out = append(out, ev)
	}
}

// Len is the current depth.
func (q *Queue) Len() int { return len(q.events) }

// Cap is the fixed capacity.
func (q *Queue) Cap() int { return cap(q.events) }
