package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issdata/telemetry-stack/common/feedproto"
	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// feedServer runs script against every accepted connection after reading the
// subscribe frame.
func feedServer(t *testing.T, script func(conn *websocket.Conn, sub feedproto.Frame)) *WebSocketTransport {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub feedproto.Frame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		script(conn, sub)
	}))
	t.Cleanup(srv.Close)

	return &WebSocketTransport{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http"),
		DialTimeout:      time.Second,
		SubscribeTimeout: time.Second,
		ReadTimeout:      2 * time.Second,
	}
}

func dialAndSubscribe(t *testing.T, tr *WebSocketTransport, items []string) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := tr.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Subscribe(ctx, items))
	return s
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	got := make(chan feedproto.Frame, 1)
	tr := feedServer(t, func(conn *websocket.Conn, sub feedproto.Frame) {
		got <- sub
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpSubscribed, Items: sub.Items})
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpHeartbeat})
		_ = conn.WriteJSON(feedproto.Frame{
			Op:          feedproto.OpUpdate,
			ItemID:      "USLAB000061",
			SourceTS:    "2025-01-01T12:00:00Z",
			Value:       models.StringPtr("12.34"),
			StatusClass: models.StringPtr("OK"),
		})
		time.Sleep(200 * time.Millisecond)
	})

	s := dialAndSubscribe(t, tr, []string{"USLAB000061"})
	sub := <-got
	assert.Equal(t, feedproto.OpSubscribe, sub.Op)
	assert.Equal(t, []string{"USLAB000061"}, sub.Items)

	u, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USLAB000061", u.ItemID)
	assert.Equal(t, "2025-01-01T12:00:00Z", u.SourceTimestamp)
	require.NotNil(t, u.Value)
	assert.Equal(t, "12.34", *u.Value)
	require.NotNil(t, u.StatusClass)
	assert.Equal(t, "OK", *u.StatusClass)
	assert.Equal(t, models.OriginFeed, u.Origin)
	assert.Positive(t, u.Size)
	assert.False(t, u.ReceivedAt.IsZero())
}

func TestWebSocket_MalformedFrameSkipped(t *testing.T) {
	tr := feedServer(t, func(conn *websocket.Conn, sub feedproto.Frame) {
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpSubscribed, Items: sub.Items})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpUpdate, ItemID: "NODE3000005", SourceTS: "2025-01-01T12:00:01Z"})
		time.Sleep(200 * time.Millisecond)
	})

	s := dialAndSubscribe(t, tr, []string{"NODE3000005"})
	u, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NODE3000005", u.ItemID)
	assert.Nil(t, u.Value)
}

func TestWebSocket_SubscribeRejected(t *testing.T) {
	tr := feedServer(t, func(conn *websocket.Conn, _ feedproto.Frame) {
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpError, Error: "unknown item BOGUS"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := tr.Dial(ctx)
	require.NoError(t, err)
	defer s.Close()

	err = s.Subscribe(ctx, []string{"BOGUS"})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "subscribe", connErr.Op)
	assert.Contains(t, err.Error(), "unknown item BOGUS")
}

func TestWebSocket_ErrorFrameEndsSession(t *testing.T) {
	tr := feedServer(t, func(conn *websocket.Conn, sub feedproto.Frame) {
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpSubscribed, Items: sub.Items})
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpError, Error: "server shutting down"})
		time.Sleep(200 * time.Millisecond)
	})

	s := dialAndSubscribe(t, tr, []string{"USLAB000061"})
	_, err := s.Next(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "read", connErr.Op)
}

func TestWebSocket_NextHonorsContext(t *testing.T) {
	tr := feedServer(t, func(conn *websocket.Conn, sub feedproto.Frame) {
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpSubscribed, Items: sub.Items})
		time.Sleep(time.Second)
	})

	s := dialAndSubscribe(t, tr, []string{"USLAB000061"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWebSocket_DialFailure(t *testing.T) {
	tr := &WebSocketTransport{URL: "ws://127.0.0.1:1/feed", DialTimeout: 200 * time.Millisecond}
	_, err := tr.Dial(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)
}

func TestWebSocket_SendsPings(t *testing.T) {
	pinged := make(chan struct{}, 1)
	tr := feedServer(t, func(conn *websocket.Conn, sub feedproto.Frame) {
		conn.SetPingHandler(func(data string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		_ = conn.WriteJSON(feedproto.Frame{Op: feedproto.OpSubscribed, Items: sub.Items})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	tr.PingInterval = 20 * time.Millisecond

	dialAndSubscribe(t, tr, []string{"USLAB000061"})
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}
