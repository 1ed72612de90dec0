package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issdata/telemetry-stack/common/messaging"
)

func TestProducer_StoresInOrder(t *testing.T) {
	p := NewProducer()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f, err := p.PublishAsync(ctx, &messaging.Record{Subject: "s", MsgID: id, Data: []byte(id)})
		require.NoError(t, err)
		ack, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.False(t, ack.Duplicate)
	}

	recs := p.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].MsgID)
	assert.Equal(t, "c", recs[2].MsgID)
	assert.Equal(t, 3, p.Calls())
}

func TestProducer_DeduplicatesMsgID(t *testing.T) {
	p := NewProducer()
	ctx := context.Background()

	first, err := p.PublishSync(ctx, &messaging.Record{Subject: "s", MsgID: "dup"})
	require.NoError(t, err)
	second, err := p.PublishSync(ctx, &messaging.Record{Subject: "s", MsgID: "dup"})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Len(t, p.Records(), 1)
	assert.Equal(t, 2, p.Calls())
}

func TestProducer_FailureHook(t *testing.T) {
	boom := errors.New("broker unavailable")
	p := NewProducer(WithFailure(func(*messaging.Record) error { return boom }))
	ctx := context.Background()

	f, err := p.PublishAsync(ctx, &messaging.Record{Subject: "s", MsgID: "x"})
	require.NoError(t, err)
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, p.Records())

	p.SetFailure(nil)
	_, err = p.PublishSync(ctx, &messaging.Record{Subject: "s", MsgID: "x"})
	require.NoError(t, err)
	assert.Len(t, p.Records(), 1)
}

func TestProducer_FlushWaitsForAcks(t *testing.T) {
	p := NewProducer(WithAckDelay(20 * time.Millisecond))
	ctx := context.Background()

	f, err := p.PublishAsync(ctx, &messaging.Record{Subject: "s"})
	require.NoError(t, err)

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	pending, err := p.Flush(flushCtx)
	assert.Error(t, err)
	assert.Equal(t, 1, pending)

	_, err = f.Wait(ctx)
	require.NoError(t, err)
	pending, err = p.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestProducer_FlushCountsOutstandingAcks(t *testing.T) {
	p := NewProducer(WithAckDelay(50 * time.Millisecond))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.PublishAsync(ctx, &messaging.Record{Subject: "s"})
		require.NoError(t, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	pending, err := p.Flush(flushCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, pending)
}

func TestProducer_AbandonedWaitDoesNotBlockFlush(t *testing.T) {
	p := NewProducer(WithAckDelay(20 * time.Millisecond))
	ctx := context.Background()

	f, err := p.PublishAsync(ctx, &messaging.Record{Subject: "s"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
	defer cancel()
	_, err = f.Wait(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	flushCtx, flushCancel := context.WithTimeout(ctx, time.Second)
	defer flushCancel()
	pending, err := p.Flush(flushCtx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	pending, err = p.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "later flushes are not poisoned")
}

func TestProducer_Closed(t *testing.T) {
	p := NewProducer()
	require.NoError(t, p.Close())
	assert.False(t, p.IsConnected())

	_, err := p.PublishAsync(context.Background(), &messaging.Record{Subject: "s"})
	assert.ErrorIs(t, err, messaging.ErrProducerClosed)
}
