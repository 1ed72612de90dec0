// Package delivery tracks the publish outcome of externally submitted events
// so a caller holding an event_id can ask whether the bus acknowledged it.
package delivery

import (
	"sync"
	"time"

	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
)

type Status int

const (
	StatusPending Status = iota
	StatusDelivered
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON responses.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Delivery struct {
	EventID   string    `json:"event_id"`
	ItemID    string    `json:"item_id"`
	Status    Status    `json:"status"`
	Stream    string    `json:"stream,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Tracker struct {
	entries   map[string]*Delivery
	mu        sync.RWMutex
	ttl       time.Duration
	cleanupCh chan struct{}
	closeOnce sync.Once
}

func NewTracker(ttl time.Duration) *Tracker {
	t := &Tracker{
		entries:   make(map[string]*Delivery),
		ttl:       ttl,
		cleanupCh: make(chan struct{}),
	}

	go t.cleanupLoop()

	return t
}

// Track registers a submitted event as pending. Re-submitting an event that
// already resolved leaves its outcome in place; the bus deduplicates the
// second publish.
func (t *Tracker) Track(eventID, itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[eventID]; exists {
		return
	}
	t.entries[eventID] = &Delivery{
		EventID:   eventID,
		ItemID:    itemID,
		Status:    StatusPending,
		Timestamp: time.Now(),
	}
	metrics.DeliveriesPending.Inc()
}

// Delivered marks a tracked event acknowledged. Untracked ids are ignored.
func (t *Tracker) Delivered(eventID, stream string, sequence uint64, duplicate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, exists := t.entries[eventID]
	if !exists || d.Status != StatusPending {
		return
	}
	d.Status = StatusDelivered
	d.Stream = stream
	d.Sequence = sequence
	d.Duplicate = duplicate
	d.Timestamp = time.Now()
	metrics.DeliveriesPending.Dec()
	metrics.DeliveriesCompleted.WithLabelValues(StatusDelivered.String()).Inc()
}

// Dropped marks a tracked event as lost with the drop reason.
func (t *Tracker) Dropped(eventID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, exists := t.entries[eventID]
	if !exists || d.Status != StatusPending {
		return
	}
	d.Status = StatusDropped
	d.Reason = reason
	d.Timestamp = time.Now()
	metrics.DeliveriesPending.Dec()
	metrics.DeliveriesCompleted.WithLabelValues(StatusDropped.String()).Inc()
}

// Get returns a copy of the tracked delivery.
func (t *Tracker) Get(eventID string) (Delivery, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, exists := t.entries[eventID]
	if !exists {
		return Delivery{}, false
	}
	return *d, true
}

// Pending returns the number of unresolved deliveries.
func (t *Tracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, d := range t.entries {
		if d.Status == StatusPending {
			count++
		}
	}
	return count
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup(time.Now())
		case <-t.cleanupCh:
			return
		}
	}
}

// cleanup forgets entries whose last change is older than the TTL.
func (t *Tracker) cleanup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.ttl)
	for id, d := range t.entries {
		if d.Timestamp.Before(cutoff) {
			if d.Status == StatusPending {
				metrics.DeliveriesPending.Dec()
			}
			delete(t.entries, id)
		}
	}
}

// Close stops the cleanup goroutine.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.cleanupCh) })
}
