package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

func event(i int) *models.TelemetryEvent {
	return &models.TelemetryEvent{EventID: fmt.Sprintf("e%d", i), ItemID: "USLAB000061"}
}

func TestQueue_BackpressureAtCapacity(t *testing.T) {
	const capacity = 8
	q := New(capacity)

	for i := 0; i < capacity; i++ {
		require.NoError(t, q.TryEnqueue(event(i)))
	}

	start := time.Now()
	err := q.TryEnqueue(event(capacity))
	assert.ErrorIs(t, err, ErrFull)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "full enqueue must not block")
	assert.Equal(t, capacity, q.Len())
	assert.Equal(t, capacity, q.Cap())
}

func TestQueue_FIFO(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryEnqueue(event(i)))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("e%d", i), ev.EventID)
	}
}

func TestQueue_DequeueWaitsForEvent(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan *models.TelemetryEvent, 1)
	go func() {
		ev, err := q.Dequeue(ctx)
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.TryEnqueue(event(1)))

	select {
	case ev := <-got:
		assert.Equal(t, "e1", ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestQueue_DequeueHonoursContext(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseDrainsThenReportsClosed(t *testing.T) {
	q := New(4)
	require.NoError(t, q.TryEnqueue(event(1)))
	require.NoError(t, q.TryEnqueue(event(2)))

	q.Close()
	q.Close()
	assert.True(t, q.Closed())
	assert.ErrorIs(t, q.TryEnqueue(event(3)), ErrClosed)

	ctx := context.Background()
	ev, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.EventID)

	rest := q.Remaining()
	require.Len(t, rest, 1)
	assert.Equal(t, "e2", rest[0].EventID)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_ConcurrentEnqueueAndClose(t *testing.T) {
	q := New(100)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.TryEnqueue(event(w*100 + i))
			}
		}(w)
	}
	q.Close()
	wg.Wait()

	assert.LessOrEqual(t, len(q.Remaining()), 100)
}
