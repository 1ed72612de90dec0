// Command feed-simulator serves an ISS-like live telemetry feed over a
// websocket for local development and reconnect testing.
//
//	feed-simulator -addr :8765 -rate 20 -drop-after 500
//
// Operators can force every session to drop with POST /drop.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/issdata/telemetry-stack/common/logging"
)

var (
	addr           = flag.String("addr", ":8765", "listen address")
	updateRate     = flag.Float64("rate", 10, "updates per second per connection")
	burst          = flag.Int("burst", 1, "rate limiter burst")
	heartbeat      = flag.Duration("heartbeat", 5*time.Second, "heartbeat interval")
	dropAfter      = flag.Int("drop-after", 0, "drop each connection after this many updates (0 never)")
	malformedEvery = flag.Int("malformed-every", 0, "send a malformed frame every n updates (0 never)")
	seed           = flag.Int64("seed", 0, "random seed (0 uses the clock)")
	logLevel       = flag.String("log-level", "info", "log level")
)

func main() {
	flag.Parse()

	logger := logging.New(logging.ParseLevel(*logLevel), "text").With(logging.Service("feed-simulator"))
	sim := NewSimulator(Config{
		Rate:           *updateRate,
		Burst:          *burst,
		Heartbeat:      *heartbeat,
		DropAfter:      *dropAfter,
		MalformedEvery: *malformedEvery,
		Seed:           *seed,
	}, DefaultCatalog, logger.Logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("feed simulator listening",
			slog.String("addr", *addr),
			slog.Float64("rate", *updateRate),
			slog.Int("drop_after", *dropAfter))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", logging.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sim.DropAll()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", logging.Error(err))
	}
}
