package itemstats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/issdata/telemetry-stack/ingest/internal/feed"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// Collector accumulates per-item stats and flushes them to Redis periodically.
// Safe for concurrent use from multiple goroutines.
type Collector struct {
	client        *Client
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	batches map[string]*BatchUpdate

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCollector creates a collector. Start launches the flush loop.
func NewCollector(client *Client, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger,
		batches:       make(map[string]*BatchUpdate),
	}
}

// Start runs the flush loop until Stop.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.flushLoop(ctx)
}

// Record accumulates one acknowledged event.
func (c *Collector) Record(ev *models.TelemetryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.batches[ev.ItemID]
	if !ok {
		batch = &BatchUpdate{ItemID: ev.ItemID}
		c.batches[ev.ItemID] = batch
	}
	batch.Add(ev.EventID, ev.SourceTS, ev.IngestTS)
}

// RecordOutage writes straight through; outages are rare.
func (c *Collector) RecordOutage(ctx context.Context, o feed.Outage) error {
	return c.client.RecordOutage(ctx, o)
}

func (c *Collector) flushLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*BatchUpdate)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(batches) == 0 {
		if err := c.client.Heartbeat(ctx); err != nil {
			c.logger.Warn("failed to write item stats heartbeat", "error", err)
		}
		return
	}

	list := make([]*BatchUpdate, 0, len(batches))
	var total int64
	for _, b := range batches {
		list = append(list, b)
		total += b.EventCount
	}

	if err := c.client.FlushBatches(ctx, list); err != nil {
		c.logger.Error("failed to flush item stats",
			"items", len(list),
			"event_count", total,
			"error", err,
		)
		c.mu.Lock()
		for id, b := range batches {
			if existing, ok := c.batches[id]; ok {
				existing.merge(b)
			} else {
				c.batches[id] = b
			}
		}
		c.mu.Unlock()
		return
	}

	c.logger.Debug("flushed item stats", "items", len(list), "total_events", total)
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop stops the flush loop after a final flush.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

// Pending returns unflushed event counts per item.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.batches))
	for id, b := range c.batches {
		out[id] = b.EventCount
	}
	return out
}
