package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
)

// attempt carries per-event retry state. It never leaves its lane.
type attempt struct {
	ev      *models.TelemetryEvent
	tries   int
	notTill time.Time
	lastErr error
}

type lane struct {
	id   int
	pool *Pool
	in   <-chan *models.TelemetryEvent

	// pending holds this lane's unresolved events in arrival order.
	pending  []*attempt
	inClosed bool
}

// pendingLimit bounds how far a lane reads ahead of its oldest unresolved
// event, so a stalled bus backs up into the queue.
func (l *lane) pendingLimit() int {
	return l.pool.cfg.BatchSize * 4
}

func (l *lane) run(ctx context.Context) {
	defer l.pool.wg.Done()

	for {
		if !l.fill(ctx) {
			l.abandonPending()
			return
		}
		if len(l.pending) == 0 && l.inClosed {
			return
		}

		batch, wake := l.nextBatch(time.Now())
		if len(batch) == 0 {
			if !l.sleep(ctx, wake) {
				l.abandonPending()
				return
			}
			continue
		}

		allowed := l.admit(batch)
		if len(allowed) == 0 {
			if err := l.pool.breaker.Wait(ctx); err != nil {
				l.abandonPending()
				return
			}
			continue
		}

		l.send(allowed)
		if ctx.Err() != nil {
			l.abandonPending()
			return
		}
	}
}

// fill tops up pending from the lane channel. With nothing pending it waits
// for the first event and then lingers for more. It returns false if ctx ended.
func (l *lane) fill(ctx context.Context) bool {
	limit := l.pendingLimit()

	if len(l.pending) == 0 && !l.inClosed {
		select {
		case ev, ok := <-l.in:
			if !ok {
				l.inClosed = true
				return true
			}
			l.pending = append(l.pending, &attempt{ev: ev})
		case <-ctx.Done():
			return false
		}

		if linger := l.pool.cfg.Linger; linger > 0 {
			timer := time.NewTimer(linger)
			defer timer.Stop()
			for len(l.pending) < l.pool.cfg.BatchSize && !l.inClosed {
				select {
				case ev, ok := <-l.in:
					if !ok {
						l.inClosed = true
						continue
					}
					l.pending = append(l.pending, &attempt{ev: ev})
				case <-timer.C:
					return true
				case <-ctx.Done():
					return false
				}
			}
		}
	}

	for len(l.pending) < limit && !l.inClosed {
		select {
		case ev, ok := <-l.in:
			if !ok {
				l.inClosed = true
				return true
			}
			l.pending = append(l.pending, &attempt{ev: ev})
		default:
			return true
		}
	}
	return ctx.Err() == nil
}

// nextBatch picks, in arrival order, the oldest unresolved event of each item
// that is due now, up to BatchSize. Later events of an item wait behind the
// earlier one even if it is backing off. wake is the earliest retry time
// among skipped events.
func (l *lane) nextBatch(now time.Time) (batch []*attempt, wake time.Time) {
	seen := make(map[string]struct{}, len(l.pending))
	for _, a := range l.pending {
		if len(batch) >= l.pool.cfg.BatchSize {
			break
		}
		if _, blocked := seen[a.ev.ItemID]; blocked {
			continue
		}
		seen[a.ev.ItemID] = struct{}{}
		if a.notTill.After(now) {
			if wake.IsZero() || a.notTill.Before(wake) {
				wake = a.notTill
			}
			continue
		}
		batch = append(batch, a)
	}
	return batch, wake
}

// sleep waits until wake, a new event or ctx end. It returns false on ctx end.
func (l *lane) sleep(ctx context.Context, wake time.Time) bool {
	var timerC <-chan time.Time
	if !wake.IsZero() {
		t := time.NewTimer(time.Until(wake))
		defer t.Stop()
		timerC = t.C
	}
	in := l.in
	if l.inClosed || len(l.pending) >= l.pendingLimit() {
		in = nil
	}
	select {
	case ev, ok := <-in:
		if !ok {
			l.inClosed = true
		} else {
			l.pending = append(l.pending, &attempt{ev: ev})
		}
		return true
	case <-timerC:
		return true
	case <-ctx.Done():
		return false
	}
}

// admit asks the breaker for each attempt. Rejected attempts stay pending
// without consuming a try.
func (l *lane) admit(batch []*attempt) []*attempt {
	allowed := batch[:0:0]
	for _, a := range batch {
		if err := l.pool.breaker.Allow(); err != nil {
			metrics.PublishTotal.WithLabelValues("breaker_open").Inc()
			continue
		}
		allowed = append(allowed, a)
	}
	return allowed
}

type sent struct {
	a      *attempt
	future messaging.AckFuture
	err    error
}

// send publishes the batch pipelined and resolves every ack before returning.
// Ack waits are bounded by AckTimeout and are not cut short by shutdown.
func (l *lane) send(batch []*attempt) {
	p := l.pool
	ackCtx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	defer cancel()

	results := make([]sent, 0, len(batch))
	for _, a := range batch {
		a.tries++
		rec, err := p.builder.Build(a.ev)
		if err != nil {
			// fatal; resolve releases the breaker slot
			results = append(results, sent{a: a, err: err})
			continue
		}

		select {
		case p.slots <- struct{}{}:
		case <-ackCtx.Done():
			p.breaker.Release()
			results = append(results, sent{a: a, err: reliability.Transient(ackCtx.Err())})
			continue
		}
		f, err := p.producer.PublishAsync(ackCtx, rec)
		if err != nil {
			<-p.slots
		}
		results = append(results, sent{a: a, future: f, err: err})
	}

	for _, r := range results {
		var ack *messaging.Ack
		err := r.err
		if r.future != nil {
			ack, err = r.future.Wait(ackCtx)
			<-p.slots
		}
		l.resolve(r.a, ack, err)
	}
}

func (l *lane) resolve(a *attempt, ack *messaging.Ack, err error) {
	p := l.pool
	if err == nil {
		p.breaker.Success()
		l.remove(a)
		p.delivered(a.ev, ack)
		return
	}

	a.lastErr = err
	switch reliability.Classify(err) {
	case reliability.ClassFatal:
		metrics.PublishTotal.WithLabelValues("fatal").Inc()
		p.breaker.Release()
		l.remove(a)
		p.drop(a.ev, DropFatal, a.tries, err)
	default:
		metrics.PublishTotal.WithLabelValues("transient").Inc()
		p.breaker.Failure()
		if p.cfg.Retry.Exhausted(a.tries) {
			l.remove(a)
			p.drop(a.ev, DropRetriesExhausted, a.tries, err)
			return
		}
		delay := reliability.Backoff(p.cfg.Retry, a.tries, p.jitter)
		a.notTill = time.Now().Add(delay)
		p.retries.Add(1)
		metrics.PublishRetries.Inc()
		p.logger.Debug("publish failed, will retry",
			logging.ItemID(a.ev.ItemID),
			logging.EventID(a.ev.EventID),
			logging.Attempt(a.tries),
			logging.Duration(delay.Milliseconds()),
			logging.Error(err),
		)
	}
}

func (l *lane) remove(a *attempt) {
	for i, x := range l.pending {
		if x == a {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

func (l *lane) abandonPending() {
	if len(l.pending) == 0 {
		return
	}
	evs := make([]*models.TelemetryEvent, len(l.pending))
	for i, a := range l.pending {
		evs[i] = a.ev
		if a.lastErr != nil && !errors.Is(a.lastErr, context.Canceled) {
			l.pool.logger.Warn("event abandoned with unresolved publish failure",
				logging.ItemID(a.ev.ItemID),
				logging.EventID(a.ev.EventID),
				logging.Attempt(a.tries),
				logging.Error(a.lastErr),
			)
		}
	}
	l.pending = nil
	l.pool.abandon(evs...)
}
