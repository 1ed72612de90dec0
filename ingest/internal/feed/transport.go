package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/issdata/telemetry-stack/ingest/internal/models"
)

// ErrSessionClosed is returned by Session.Next after Close.
var ErrSessionClosed = errors.New("feed session closed")

// ConnectionError is a feed-level failure. It drives the reconnect loop and is
// never fatal to the process.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Transport opens sessions to the live feed.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is one connection to the feed.
type Session interface {
	// Subscribe requests updates for items and waits for confirmation.
	Subscribe(ctx context.Context, items []string) error
	// Next blocks until the next update arrives. Heartbeats are consumed
	// internally.
	Next(ctx context.Context) (*models.RawUpdate, error)
	Close() error
}
