// Package itemstats keeps Redis-backed per-item telemetry statistics and a
// ledger of feed outages.
//
// Several ingest instances may write concurrently. Stats are updated in
// batches and can be read by any service.
//
// Redis Key Structure:
//
//	{prefix}:item:{item_id}                 - Hash with current stats
//	{prefix}:hourly:{item_id}:{YYYYMMDDHH}  - Event count for specific hour (expires 48h)
//	{prefix}:instances                      - Hash of ingest instance -> last seen timestamp
//	{prefix}:last_seen                      - Unix time of the most recent flush by any instance
//	{prefix}:outages                        - List of JSON outage records, newest first
package itemstats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/issdata/telemetry-stack/ingest/internal/feed"
)

// DefaultKeyPrefix namespaces every key written by this package.
const DefaultKeyPrefix = "telemetry"

// maxOutages bounds the outage ledger.
const maxOutages = 1000

// Stats represents current statistics for one telemetry item.
type Stats struct {
	ItemID           string            `json:"item_id"`
	LastSourceTS     *time.Time        `json:"last_source_ts,omitempty"`
	LastIngestTS     *time.Time        `json:"last_ingest_ts,omitempty"`
	LastEventID      string            `json:"last_event_id,omitempty"`
	TotalEvents      int64             `json:"total_events"`
	EventsLastHour   int64             `json:"events_last_hour"`
	EventsLast24h    int64             `json:"events_last_24h"`
	IngestInstances  map[string]string `json:"ingest_instances,omitempty"`
	StatsRetrievedAt time.Time         `json:"stats_retrieved_at"`
}

// OutageRecord is one entry of the outage ledger.
type OutageRecord struct {
	Instance  string    `json:"instance"`
	SessionID string    `json:"session_id,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Seconds   float64   `json:"seconds"`
	Cause     string    `json:"cause,omitempty"`
}

// Client records and retrieves item statistics.
type Client struct {
	redis      *redis.Client
	prefix     string
	instanceID string
}

// NewClient connects to Redis. instanceID should be unique per ingest instance.
func NewClient(redisURL, prefix, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, prefix, instanceID), nil
}

// NewClientFromRedis creates a client from an existing Redis connection.
func NewClientFromRedis(client *redis.Client, prefix, instanceID string) *Client {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Client{redis: client, prefix: prefix, instanceID: instanceID}
}

func (c *Client) itemKey(itemID string) string {
	return c.prefix + ":item:" + itemID
}

func (c *Client) hourlyKey(itemID string, t time.Time) string {
	return c.prefix + ":hourly:" + itemID + ":" + t.Format("2006010215")
}

// BatchUpdate holds accumulated stats for one item.
type BatchUpdate struct {
	ItemID       string
	EventCount   int64
	LastSourceTS time.Time
	LastIngestTS time.Time
	LastEventID  string
}

// Add accumulates one published event.
func (b *BatchUpdate) Add(eventID string, sourceTS, ingestTS time.Time) {
	b.EventCount++
	if !sourceTS.Before(b.LastSourceTS) {
		b.LastSourceTS = sourceTS
		b.LastEventID = eventID
	}
	if ingestTS.After(b.LastIngestTS) {
		b.LastIngestTS = ingestTS
	}
}

// merge folds other into b, used when a flush fails and is retried.
func (b *BatchUpdate) merge(other *BatchUpdate) {
	b.EventCount += other.EventCount
	if other.LastSourceTS.After(b.LastSourceTS) {
		b.LastSourceTS = other.LastSourceTS
		b.LastEventID = other.LastEventID
	}
	if other.LastIngestTS.After(b.LastIngestTS) {
		b.LastIngestTS = other.LastIngestTS
	}
}

// FlushBatches writes accumulated batches in a single pipeline.
func (c *Client) FlushBatches(ctx context.Context, batches []*BatchUpdate) error {
	now := time.Now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()
	for _, b := range batches {
		if b.EventCount == 0 {
			continue
		}
		key := c.itemKey(b.ItemID)
		fields := map[string]interface{}{
			"last_ingest_ts": b.LastIngestTS.UnixNano(),
		}
		if !b.LastSourceTS.IsZero() {
			fields["last_source_ts"] = b.LastSourceTS.UnixNano()
			fields["last_event_id"] = b.LastEventID
		}
		pipe.HSet(ctx, key, fields)
		pipe.HIncrBy(ctx, key, "total_events", b.EventCount)

		hourly := c.hourlyKey(b.ItemID, now)
		pipe.IncrBy(ctx, hourly, b.EventCount)
		pipe.Expire(ctx, hourly, 48*time.Hour)
	}
	c.touchPipe(ctx, pipe, nowUnix)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush batch: %w", err)
	}
	return nil
}

// Heartbeat marks this instance alive without any item updates.
func (c *Client) Heartbeat(ctx context.Context) error {
	pipe := c.redis.Pipeline()
	c.touchPipe(ctx, pipe, strconv.FormatInt(time.Now().Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

func (c *Client) touchPipe(ctx context.Context, pipe redis.Pipeliner, nowUnix string) {
	instances := c.prefix + ":instances"
	pipe.HSet(ctx, instances, c.instanceID, nowUnix)
	pipe.Expire(ctx, instances, 24*time.Hour)
	pipe.Set(ctx, c.prefix+":last_seen", nowUnix, 0)
}

// RecordOutage appends a feed outage to the ledger.
func (c *Client) RecordOutage(ctx context.Context, o feed.Outage) error {
	rec := OutageRecord{
		Instance:  c.instanceID,
		SessionID: o.SessionID,
		Start:     o.Start.UTC(),
		End:       o.End.UTC(),
		Seconds:   o.End.Sub(o.Start).Seconds(),
		Cause:     o.Cause,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outage: %w", err)
	}

	key := c.prefix + ":outages"
	pipe := c.redis.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxOutages-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record outage: %w", err)
	}
	return nil
}

// ListOutages returns up to limit outages, newest first.
func (c *Client) ListOutages(ctx context.Context, limit int) ([]OutageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := c.redis.LRange(ctx, c.prefix+":outages", 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list outages: %w", err)
	}

	out := make([]OutageRecord, 0, len(raw))
	for _, s := range raw {
		var rec OutageRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DetectRestartGap compares the last flush by any instance with now. When the
// service was down for longer than tolerance, the gap is written to the
// outage ledger and returned. A fresh deployment has no gap.
func (c *Client) DetectRestartGap(ctx context.Context, now time.Time, tolerance time.Duration) (*feed.Outage, error) {
	lastSeen, err := c.redis.Get(ctx, c.prefix+":last_seen").Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last seen: %w", err)
	}

	start := time.Unix(lastSeen, 0)
	if now.Sub(start) <= tolerance {
		return nil, nil
	}

	gap := &feed.Outage{Start: start, End: now, Cause: "restart"}
	if err := c.RecordOutage(ctx, *gap); err != nil {
		return gap, err
	}
	return gap, nil
}

// GetStats retrieves current statistics for an item.
func (c *Client) GetStats(ctx context.Context, itemID string) (*Stats, error) {
	now := time.Now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, c.itemKey(itemID))
	currentHourCmd := pipe.Get(ctx, c.hourlyKey(itemID, now))

	hourlyCmds := make([]*redis.StringCmd, 24)
	for i := range hourlyCmds {
		hourlyCmds[i] = pipe.Get(ctx, c.hourlyKey(itemID, now.Add(-time.Duration(i)*time.Hour)))
	}
	instancesCmd := pipe.HGetAll(ctx, c.prefix+":instances")

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := &Stats{
		ItemID:           itemID,
		StatsRetrievedAt: now,
		IngestInstances:  make(map[string]string),
	}

	if m, err := statsCmd.Result(); err == nil {
		stats.LastSourceTS = parseNanos(m["last_source_ts"])
		stats.LastIngestTS = parseNanos(m["last_ingest_ts"])
		stats.LastEventID = m["last_event_id"]
		stats.TotalEvents, _ = strconv.ParseInt(m["total_events"], 10, 64)
	}
	if val, err := currentHourCmd.Int64(); err == nil {
		stats.EventsLastHour = val
	}
	for _, cmd := range hourlyCmds {
		if val, err := cmd.Int64(); err == nil {
			stats.EventsLast24h += val
		}
	}
	if instances, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range instances {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				stats.IngestInstances[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}

	return stats, nil
}

func parseNanos(s string) *time.Time {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
