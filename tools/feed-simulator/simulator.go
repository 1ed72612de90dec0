package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/issdata/telemetry-stack/common/feedproto"
	"github.com/issdata/telemetry-stack/common/logging"
)

// Item describes how one simulated telemetry item behaves.
type Item struct {
	ID   string
	Unit string
	Min  float64
	Max  float64
	// Discrete items emit one of Values instead of a number.
	Values []string
}

// DefaultCatalog mirrors a handful of public ISS items.
var DefaultCatalog = []Item{
	{ID: "USLAB000058", Unit: "kPa", Min: 99, Max: 103},
	{ID: "USLAB000059", Unit: "C", Min: 20, Max: 25},
	{ID: "USLAB000061", Unit: "C", Min: 18, Max: 27},
	{ID: "NODE3000005", Unit: "%", Min: 0, Max: 100},
	{ID: "NODE3000008", Unit: "%", Min: 0, Max: 100},
	{ID: "NODE3000009", Unit: "%", Min: 0, Max: 100},
	{ID: "S0000003", Unit: "deg", Min: 0, Max: 360},
	{ID: "S0000004", Unit: "deg", Min: 0, Max: 360},
	{ID: "AIRLOCK000049", Values: []string{"OPEN", "CLOSED"}},
}

var statusClasses = []string{"OK", "OK", "OK", "OK", "WARN", "ERR"}

// Config tunes the simulator.
type Config struct {
	// Rate is updates per second per connection.
	Rate      float64
	Burst     int
	Heartbeat time.Duration
	// DropAfter closes each connection abruptly after that many updates.
	// Zero never drops.
	DropAfter int
	// MalformedEvery sends an unparseable frame every n updates. Zero never.
	MalformedEvery int
	Seed           int64
}

// Simulator serves the feed protocol over websockets.
type Simulator struct {
	cfg     Config
	catalog map[string]Item
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
	faker    *gofakeit.Faker

	connections atomic.Int64
	sent        atomic.Int64
	drops       atomic.Int64
}

func NewSimulator(cfg Config, catalog []Item, logger *slog.Logger) *Simulator {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Item, len(catalog))
	for _, it := range catalog {
		byID[it.ID] = it
	}
	return &Simulator{
		cfg:      cfg,
		catalog:  byID,
		logger:   logger,
		sessions: make(map[string]*websocket.Conn),
		faker:    gofakeit.New(cfg.Seed),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler exposes the feed endpoint and operator controls.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /feed", s.serveFeed)
	mux.HandleFunc("POST /drop", s.dropAll)
	mux.HandleFunc("GET /stats", s.stats)
	return mux
}

// DropAll closes every open session without a close frame.
func (s *Simulator) DropAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, conn := range s.sessions {
		conn.Close()
		delete(s.sessions, id)
		n++
	}
	s.drops.Add(int64(n))
	return n
}

func (s *Simulator) dropAll(w http.ResponseWriter, _ *http.Request) {
	n := s.DropAll()
	s.logger.Info("dropped sessions", slog.Int("count", n))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"dropped": n})
}

func (s *Simulator) stats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	open := len(s.sessions)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"open":        int64(open),
		"connections": s.connections.Load(),
		"sent":        s.sent.Load(),
		"drops":       s.drops.Load(),
	})
}

func (s *Simulator) serveFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", logging.Error(err))
		return
	}
	id := uuid.NewString()
	s.connections.Add(1)
	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		conn.Close()
	}()

	log := s.logger.With(logging.Session(id))
	items, err := s.awaitSubscribe(conn)
	if err != nil {
		log.Warn("subscription rejected", logging.Error(err))
		conn.WriteJSON(feedproto.Frame{Op: feedproto.OpError, Error: err.Error()})
		return
	}
	if err := conn.WriteJSON(feedproto.Frame{Op: feedproto.OpSubscribed, Items: items}); err != nil {
		return
	}
	log.Info("session subscribed", slog.Int("items", len(items)))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// the reader only notices the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.stream(ctx, conn, items); err != nil {
		log.Info("session ended", logging.Error(err))
	}
}

func (s *Simulator) awaitSubscribe(conn *websocket.Conn) ([]string, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var f feedproto.Frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, fmt.Errorf("read subscribe: %w", err)
	}
	if f.Op != feedproto.OpSubscribe {
		return nil, fmt.Errorf("expected %q, got %q", feedproto.OpSubscribe, f.Op)
	}
	if len(f.Items) == 0 {
		return nil, errors.New("empty subscription")
	}
	for _, id := range f.Items {
		if _, ok := s.catalog[id]; !ok {
			return nil, fmt.Errorf("unknown item %s", id)
		}
	}
	return f.Items, nil
}

var errForcedDrop = errors.New("forced drop")

// stream writes updates round-robin over items until ctx ends or the
// connection fails.
func (s *Simulator) stream(ctx context.Context, conn *websocket.Conn, items []string) error {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Rate), s.cfg.Burst)
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	sent := 0
	for i := 0; ; i++ {
		select {
		case <-heartbeat.C:
			if err := conn.WriteJSON(feedproto.Frame{Op: feedproto.OpHeartbeat}); err != nil {
				return err
			}
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		if s.cfg.MalformedEvery > 0 && sent > 0 && sent%s.cfg.MalformedEvery == 0 {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
				return err
			}
		}

		if err := conn.WriteJSON(s.Update(items[i%len(items)], time.Now())); err != nil {
			return err
		}
		sent++
		s.sent.Add(1)

		if s.cfg.DropAfter > 0 && sent >= s.cfg.DropAfter {
			s.drops.Add(1)
			return errForcedDrop
		}
	}
}

// Update generates one update frame for item at ts.
func (s *Simulator) Update(itemID string, ts time.Time) feedproto.Frame {
	it := s.catalog[itemID]

	s.mu.Lock()
	defer s.mu.Unlock()

	var value, calibrated string
	if len(it.Values) > 0 {
		value = s.faker.RandomString(it.Values)
		calibrated = value
	} else {
		v := s.faker.Float64Range(it.Min, it.Max)
		value = strconv.FormatFloat(v, 'f', 4, 64)
		calibrated = strconv.FormatFloat(v, 'f', 2, 64) + " " + it.Unit
	}
	status := s.faker.RandomString(statusClasses)

	return feedproto.Frame{
		Op:              feedproto.OpUpdate,
		ItemID:          itemID,
		SourceTS:        ts.UTC().Format(time.RFC3339Nano),
		Value:           ptr(value),
		StatusClass:     ptr(status),
		StatusIndicator: ptr(indicatorFor(status)),
		StatusColor:     ptr(colorFor(status)),
		CalibratedData:  ptr(calibrated),
	}
}

func indicatorFor(status string) string {
	switch status {
	case "WARN":
		return "CAUTION"
	case "ERR":
		return "ALARM"
	default:
		return "NOMINAL"
	}
}

func colorFor(status string) string {
	switch status {
	case "WARN":
		return "YELLOW"
	case "ERR":
		return "RED"
	default:
		return "GREEN"
	}
}

func ptr(s string) *string { return &s }
