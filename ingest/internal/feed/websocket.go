package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/issdata/telemetry-stack/common/feedproto"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// WebSocketTransport dials the feed's websocket endpoint.
type WebSocketTransport struct {
	URL              string
	Header           http.Header
	DialTimeout      time.Duration
	SubscribeTimeout time.Duration
	// ReadTimeout is how long a session may go without any frame, heartbeats
	// included, before it is considered dead.
	ReadTimeout time.Duration
	// PingInterval is how often a ping is sent. Pongs extend the read
	// deadline. Zero disables pings.
	PingInterval time.Duration
}

// Dial opens a websocket session.
func (t *WebSocketTransport) Dial(ctx context.Context) (Session, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: t.DialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if t.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.DialTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	s := &wsSession{
		conn:             conn,
		readTimeout:      t.ReadTimeout,
		subscribeTimeout: t.SubscribeTimeout,
		done:             make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	if t.PingInterval > 0 {
		go s.pingLoop(t.PingInterval)
	}
	return s, nil
}

type wsSession struct {
	conn             *websocket.Conn
	readTimeout      time.Duration
	subscribeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSession) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			s.writeMu.Unlock()
			if err != nil {
				// the read side surfaces the broken connection
				return
			}
		}
	}
}

func (s *wsSession) extendDeadline() {
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
}

func (s *wsSession) Subscribe(ctx context.Context, items []string) error {
	s.writeMu.Lock()
	err := s.conn.WriteJSON(feedproto.Frame{Op: feedproto.OpSubscribe, Items: items})
	s.writeMu.Unlock()
	if err != nil {
		return &ConnectionError{Op: "subscribe", Err: err}
	}

	if s.subscribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.subscribeTimeout)
		defer cancel()
	}
	for {
		f, _, err := s.read(ctx)
		if err != nil {
			return &ConnectionError{Op: "subscribe", Err: err}
		}
		switch f.Op {
		case feedproto.OpSubscribed:
			return nil
		case feedproto.OpError:
			return &ConnectionError{Op: "subscribe", Err: fmt.Errorf("rejected: %s", f.Error)}
		}
	}
}

func (s *wsSession) Next(ctx context.Context) (*models.RawUpdate, error) {
	for {
		f, size, err := s.read(ctx)
		if err != nil {
			return nil, &ConnectionError{Op: "read", Err: err}
		}
		switch f.Op {
		case feedproto.OpUpdate:
			return &models.RawUpdate{
				ItemID:          f.ItemID,
				SourceTimestamp: f.SourceTS,
				Value:           f.Value,
				StatusClass:     f.StatusClass,
				StatusIndicator: f.StatusIndicator,
				StatusColor:     f.StatusColor,
				CalibratedData:  f.CalibratedData,
				Origin:          models.OriginFeed,
				ReceivedAt:      time.Now().UTC(),
				Size:            size,
			}, nil
		case feedproto.OpError:
			return nil, &ConnectionError{Op: "read", Err: fmt.Errorf("feed error: %s", f.Error)}
		case "":
			metrics.UpdatesDiscarded.WithLabelValues("malformed_frame").Inc()
		}
		// heartbeats and unknown ops only refresh the deadline
	}
}

// read returns the next frame. A malformed frame is returned as an empty
// frame so the caller skips it rather than dropping the connection.
func (s *wsSession) read(ctx context.Context) (feedproto.Frame, int, error) {
	if err := ctx.Err(); err != nil {
		return feedproto.Frame{}, 0, err
	}
	s.extendDeadline()
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return feedproto.Frame{}, 0, ctxErr
		}
		return feedproto.Frame{}, 0, err
	}

	var f feedproto.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return feedproto.Frame{}, len(data), nil
	}
	return f, len(data), nil
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
