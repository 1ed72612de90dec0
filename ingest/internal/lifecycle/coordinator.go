// Package lifecycle starts the pipeline and shuts it down in order, accounting
// for every event that was accepted.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
	"github.com/issdata/telemetry-stack/ingest/internal/publisher"
	"github.com/issdata/telemetry-stack/ingest/internal/queue"
)

// Feed is the subscription side. *feed.Manager implements it.
type Feed interface {
	Start(ctx context.Context)
	StopIntake()
	Close(ctx context.Context) error
}

// Pool is the publish side. *publisher.Pool implements it.
type Pool interface {
	Start(ctx context.Context)
	Stop()
	Wait(ctx context.Context) error
	Flush(ctx context.Context) (int, error)
	Abandoned() []*models.TelemetryEvent
	Stats() publisher.Stats
}

// Service is the pipeline facade. *service.IngestService implements it.
type Service interface {
	BeginShutdown()
	WatchQueue(ctx context.Context)
	Dropped(ev *models.TelemetryEvent, reason string, err error)
	CloseDeadLetters(ctx context.Context) error
}

// Background is an auxiliary worker such as the item stats collector.
type Background interface {
	Start(ctx context.Context)
	Stop()
}

// Timeouts bound each shutdown step.
type Timeouts struct {
	Drain time.Duration
	Flush time.Duration
	Close time.Duration
}

// Report is the final accounting of a shutdown.
type Report struct {
	// Queued is how many events were waiting when shutdown began.
	Queued int `json:"queued"`
	// Drained is how many events the pool resolved during the drain window.
	Drained int64 `json:"drained"`
	// Flushed is true when the bus confirmed every outstanding publish.
	Flushed     bool          `json:"flushed"`
	Unconfirmed int           `json:"unconfirmed"`
	Undelivered int           `json:"undelivered"`
	Dropped     int64         `json:"dropped"`
	Duration    time.Duration `json:"duration"`
}

// Coordinator supervises startup and shutdown. Feed may be nil when the live
// feed is disabled.
type Coordinator struct {
	Feed       Feed
	Queue      *queue.Queue
	Pool       Pool
	Service    Service
	Background []Background
	Timeouts   Timeouts
	Logger     *slog.Logger

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	report       Report
	err          error
}

// Start launches publishing before intake so nothing queues without a consumer.
func (c *Coordinator) Start(ctx context.Context) {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	ctx, c.cancel = context.WithCancel(ctx)

	for _, b := range c.Background {
		b.Start(ctx)
	}
	c.Pool.Start(ctx)
	go c.Service.WatchQueue(ctx)
	if c.Feed != nil {
		c.Feed.Start(ctx)
	}
	c.Logger.Info("pipeline started")
}

// Shutdown stops intake, drains, flushes, closes the feed and reports. Only
// the first call does work; later calls return the same report.
func (c *Coordinator) Shutdown(ctx context.Context) (Report, error) {
	c.shutdownOnce.Do(func() {
		c.report, c.err = c.shutdown(ctx)
	})
	return c.report, c.err
}

func (c *Coordinator) shutdown(ctx context.Context) (Report, error) {
	started := time.Now()
	var rep Report
	var errs []error

	// 1. stop accepting updates
	c.Service.BeginShutdown()
	if c.Feed != nil {
		c.Feed.StopIntake()
	}
	rep.Queued = c.Queue.Len()
	before := c.Pool.Stats()
	c.Logger.Info("shutdown: intake stopped", slog.Int("queued", rep.Queued), slog.Int64("in_flight", before.InFlight))

	// 2. drain the queue within the drain window
	c.Queue.Close()
	drainCtx, cancelDrain := withTimeout(ctx, c.Timeouts.Drain)
	err := c.Pool.Wait(drainCtx)
	cancelDrain()
	if err != nil {
		c.Logger.Warn("shutdown: drain timed out, abandoning remaining events", logging.Error(err))
		c.Pool.Stop()
		// lanes only wait on acks already sent, bounded by the ack timeout
		if err := c.Pool.Wait(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	after := c.Pool.Stats()
	rep.Drained = (after.Published + after.Dropped) - (before.Published + before.Dropped)
	rep.Dropped = after.Dropped

	// 3. flush the bus client
	flushCtx, cancelFlush := withTimeout(ctx, c.Timeouts.Flush)
	unconfirmed, err := c.Pool.Flush(flushCtx)
	cancelFlush()
	rep.Unconfirmed = unconfirmed
	rep.Flushed = err == nil && unconfirmed == 0
	if err != nil {
		c.Logger.Warn("shutdown: flush incomplete", slog.Int("unconfirmed", unconfirmed), logging.Error(err))
	}

	// everything not acknowledged or dropped is reported undelivered
	leftovers := append(c.Pool.Abandoned(), c.Queue.Remaining()...)
	rep.Undelivered = len(leftovers)
	for _, ev := range leftovers {
		c.Logger.Warn("shutdown: event undelivered",
			logging.ItemID(ev.ItemID),
			logging.EventID(ev.EventID),
		)
		metrics.EventsDropped.WithLabelValues(publisher.DropUndelivered).Inc()
		c.Service.Dropped(ev, publisher.DropUndelivered, errors.New("undelivered at shutdown"))
	}

	// 4. close the feed and auxiliary workers
	closeCtx, cancelClose := withTimeout(ctx, c.Timeouts.Close)
	if c.Feed != nil {
		if err := c.Feed.Close(closeCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Service.CloseDeadLetters(closeCtx); err != nil {
		c.Logger.Error("shutdown: dead letters not fully written", logging.Error(err))
		errs = append(errs, err)
	}
	cancelClose()
	if c.cancel != nil {
		c.cancel()
	}
	for _, b := range c.Background {
		b.Stop()
	}

	// 5. report
	rep.Duration = time.Since(started)
	metrics.ShutdownEvents.WithLabelValues("queued").Set(float64(rep.Queued))
	metrics.ShutdownEvents.WithLabelValues("drained").Set(float64(rep.Drained))
	metrics.ShutdownEvents.WithLabelValues("unconfirmed").Set(float64(rep.Unconfirmed))
	metrics.ShutdownEvents.WithLabelValues("undelivered").Set(float64(rep.Undelivered))

	level := slog.LevelInfo
	if rep.Undelivered > 0 || !rep.Flushed {
		level = slog.LevelWarn
	}
	c.Logger.Log(context.Background(), level, "shutdown complete",
		slog.Int("queued", rep.Queued),
		slog.Int64("drained", rep.Drained),
		slog.Bool("flushed", rep.Flushed),
		slog.Int("unconfirmed", rep.Unconfirmed),
		slog.Int("undelivered", rep.Undelivered),
		slog.Int64("dropped", rep.Dropped),
		logging.Duration(rep.Duration.Milliseconds()),
	)
	return rep, errors.Join(errs...)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
