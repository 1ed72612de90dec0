package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/issdata/telemetry-stack/common/logging"
	"github.com/issdata/telemetry-stack/common/messaging"
	"github.com/issdata/telemetry-stack/common/messaging/memory"
	natsclient "github.com/issdata/telemetry-stack/common/messaging/nats"
	"github.com/issdata/telemetry-stack/ingest/internal/config"
	"github.com/issdata/telemetry-stack/ingest/internal/delivery"
	"github.com/issdata/telemetry-stack/ingest/internal/dlq"
	"github.com/issdata/telemetry-stack/ingest/internal/enricher"
	"github.com/issdata/telemetry-stack/ingest/internal/feed"
	"github.com/issdata/telemetry-stack/ingest/internal/handlers"
	"github.com/issdata/telemetry-stack/ingest/internal/itemstats"
	"github.com/issdata/telemetry-stack/ingest/internal/lifecycle"
	"github.com/issdata/telemetry-stack/ingest/internal/metrics"
	"github.com/issdata/telemetry-stack/ingest/internal/publisher"
	"github.com/issdata/telemetry-stack/ingest/internal/queue"
	"github.com/issdata/telemetry-stack/ingest/internal/ratelimit"
	"github.com/issdata/telemetry-stack/ingest/internal/reliability"
	"github.com/issdata/telemetry-stack/ingest/internal/server"
	"github.com/issdata/telemetry-stack/ingest/internal/service"
	"github.com/issdata/telemetry-stack/ingest/internal/validator"
)

// deliveryTTL is how long a submitted event id stays queryable.
const deliveryTTL = 10 * time.Minute

// bus bundles the producer with the optional JetStream handles.
type bus struct {
	producer  messaging.Producer
	sync      messaging.SyncPublisher
	inspector dlq.StreamInspector
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logging.NewWithOptions(logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}).With(logging.Service("ingest"))
	logging.SetDefault(logger)
	log := logger.Logger

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	log.Info("Starting telemetry ingest",
		slog.String("version", version),
		slog.String("instance", instanceID),
		slog.Int("port", cfg.Server.Port),
		slog.String("bus", cfg.NATS.Backend),
		slog.Bool("feed_enabled", cfg.Feed.Enabled),
		slog.Int("items", len(cfg.Feed.Items)),
	)

	setupCtx, setupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer setupCancel()

	b, closeBus, err := openBus(setupCtx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	// Redis backs item stats and the shared rate limiter
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(setupCtx).Err(); err != nil {
			log.Warn("Redis unreachable, item stats and shared rate limiting disabled",
				slog.String("url", cfg.Redis.URL), logging.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var stats *itemstats.Client
	var collector *itemstats.Collector
	if rdb != nil {
		stats = itemstats.NewClientFromRedis(rdb, cfg.Redis.KeyPrefix, instanceID)
		collector = itemstats.NewCollector(stats, cfg.Redis.Interval, log)

		// a gap between the last heartbeat of any instance and now is a
		// window in which no updates were ingested
		gap, err := stats.DetectRestartGap(setupCtx, time.Now(), 3*cfg.Redis.Interval)
		switch {
		case err != nil:
			log.Warn("restart gap detection failed", logging.Error(err))
		case gap != nil:
			metrics.FeedOutageSeconds.Observe(gap.End.Sub(gap.Start).Seconds())
			if err := stats.RecordOutage(setupCtx, *gap); err != nil {
				log.Warn("failed to record restart gap", logging.Error(err))
			}
			log.Warn("ingestion gap since last run",
				slog.Time("since", gap.Start),
				slog.Float64("seconds", gap.End.Sub(gap.Start).Seconds()))
		}
	}

	var limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.RateLimit.Enabled {
		if rdb != nil {
			limiter = ratelimit.NewRedisRateLimiterFromClient(rdb, cfg.Redis.KeyPrefix, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		} else {
			limiter = ratelimit.NewLocalRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		}
		log.Info("Rate limiting enabled",
			slog.Int("requests", cfg.RateLimit.Requests),
			slog.Duration("window", cfg.RateLimit.Window),
			slog.Bool("shared", rdb != nil))
	}
	defer limiter.Close()

	var deadLetters *dlq.Queue
	if cfg.DLQ.Enabled {
		opts := []dlq.Option{dlq.WithInstance(instanceID), dlq.WithLogger(log)}
		if b.inspector != nil {
			opts = append(opts, dlq.WithInspector(b.inspector, natsclient.TelemetryDLQStream.Name))
		}
		if deadLetters, err = dlq.NewQueue(b.sync, opts...); err != nil {
			return fmt.Errorf("failed to initialize dead-letter queue: %w", err)
		}
	}

	tracker := delivery.NewTracker(deliveryTTL)
	defer tracker.Close()

	q := queue.New(cfg.Queue.Capacity)
	breaker := reliability.NewBreaker(reliability.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenTrials:   cfg.Breaker.HalfOpenTrials,
	})

	var items []string
	if cfg.Validation.RestrictToItems {
		items = cfg.Feed.Items
	}
	svcOpts := service.Options{
		Chain: validator.NewDefaultChain(validator.Options{
			MaxPayloadBytes: cfg.Validation.MaxPayloadBytes,
			MaxFieldLength:  cfg.Validation.MaxFieldLength,
			TimestampRules:  validator.TimestampValidator{MaxFutureSkew: cfg.Validation.MaxFutureSkew},
			Items:           items,
		}),
		Enricher:        enricher.New(cfg.Publisher.SchemaVersion, cfg.Feed.Source),
		Queue:           q,
		Breaker:         breaker,
		Producer:        b.producer,
		Tracker:         tracker,
		MaxPayloadBytes: cfg.Validation.MaxPayloadBytes,
		ResumeWatermark: cfg.Queue.ResumeWatermark,
		WatchInterval:   cfg.Queue.WatchInterval,
		Logger:          log,
	}
	if deadLetters != nil {
		svcOpts.DeadLetters = deadLetters
	}
	if collector != nil {
		svcOpts.ItemStats = collector
	}
	svc := service.NewIngestService(svcOpts)
	breaker.Observe(svc.OnBreakerTransition)

	codec, err := publisher.NewCodec(cfg.Publisher.Encoding)
	if err != nil {
		return err
	}
	compressor, err := publisher.NewCompressor(cfg.Publisher.Compression)
	if err != nil {
		return err
	}
	pool := publisher.NewPool(publisher.Config{
		Lanes:       cfg.Publisher.Lanes,
		BatchSize:   cfg.Publisher.BatchSize,
		Linger:      cfg.Publisher.Linger,
		MaxInFlight: cfg.Publisher.MaxInFlight,
		AckTimeout:  cfg.Publisher.AckTimeout,
		Retry:       retryPolicy(cfg.Retry),
	}, q, b.producer, breaker,
		publisher.RecordBuilder{SubjectPrefix: cfg.Publisher.SubjectPrefix, Codec: codec, Compressor: compressor},
		publisher.WithListener(svc), publisher.WithLogger(log))

	coord := &lifecycle.Coordinator{
		Queue:   q,
		Pool:    pool,
		Service: svc,
		Timeouts: lifecycle.Timeouts{
			Drain: cfg.Shutdown.DrainTimeout,
			Flush: cfg.Shutdown.FlushTimeout,
			Close: cfg.Shutdown.CloseTimeout,
		},
		Logger: log,
	}
	if collector != nil {
		coord.Background = append(coord.Background, collector)
	}

	if cfg.Feed.Enabled {
		transport := &feed.WebSocketTransport{
			URL:              cfg.Feed.URL,
			DialTimeout:      cfg.Feed.DialTimeout,
			SubscribeTimeout: cfg.Feed.SubscribeTimeout,
			ReadTimeout:      cfg.Feed.ReadTimeout,
			PingInterval:     cfg.Feed.PingInterval,
		}
		feedOpts := []feed.ManagerOption{feed.WithLogger(log)}
		if collector != nil {
			feedOpts = append(feedOpts, feed.WithOutageRecorder(collector))
		}
		mgr := feed.NewManager(feed.Config{
			Items:         cfg.Feed.Items,
			HandoffBuffer: cfg.Feed.HandoffBuffer,
			Reconnect: reliability.RetryPolicy{
				InitialDelay: cfg.Feed.ReconnectInitial,
				MaxDelay:     cfg.Feed.ReconnectMax,
				Multiplier:   cfg.Feed.ReconnectFactor,
				Jitter:       cfg.Feed.ReconnectJitter,
			},
		}, transport, svc.HandleFeedUpdate, feedOpts...)
		svc.SetIntake(mgr)
		coord.Feed = mgr
	}

	hopts := handlers.Options{
		Version:         version,
		MaxPayloadBytes: int64(cfg.Validation.MaxPayloadBytes),
		RateLimiter:     limiter,
		Bus:             b.producer,
		Logger:          log,
	}
	if deadLetters != nil {
		hopts.DeadLetters = deadLetters
	}
	if stats != nil {
		hopts.Outages = stats
		hopts.Items = stats
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handlers.NewTelemetryHandler(svc, hopts)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// the pipeline context is never canceled by a signal; Shutdown drains it
	coord.Start(context.Background())

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Ingest service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server failed", logging.Error(err))
		runErr = err
	}

	budget := cfg.Shutdown.DrainTimeout + cfg.Shutdown.FlushTimeout + cfg.Shutdown.CloseTimeout + 5*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	// keep serving health and delivery lookups while the pipeline drains
	report, err := coord.Shutdown(shutdownCtx)
	if err != nil {
		log.Error("pipeline shutdown incomplete", logging.Error(err))
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.Shutdown.CloseTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error("HTTP server forced to shutdown", logging.Error(err))
	}

	log.Info("Ingest service stopped",
		slog.Int("undelivered", report.Undelivered),
		slog.Bool("flushed", report.Flushed))
	if report.Undelivered > 0 {
		return errors.Join(runErr, fmt.Errorf("%d events were not delivered", report.Undelivered))
	}
	return runErr
}

func retryPolicy(c config.RetryConfig) reliability.RetryPolicy {
	return reliability.RetryPolicy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
}

// openBus connects the configured bus and provisions the telemetry and
// dead-letter streams.
func openBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (bus, func(), error) {
	if cfg.NATS.Backend == "memory" {
		log.Warn("Using in-memory bus: events are not persisted")
		p := memory.NewProducer(memory.WithStream(cfg.NATS.Stream.Name))
		return bus{producer: p, sync: p}, func() { p.Close() }, nil
	}

	js, err := natsclient.NewJetStreamClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
		Username:      cfg.NATS.Username,
		Password:      cfg.NATS.Password,
		Token:         cfg.NATS.Token,
		CredsFile:     cfg.NATS.CredsFile,
		Logger:        log,
	}, natsclient.ProducerOptions{MaxPending: cfg.Publisher.MaxInFlight})
	if err != nil {
		return bus{}, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sc := cfg.NATS.Stream
	stream := natsclient.DefaultStreamConfig(sc.Name,
		[]string{messaging.TelemetryWildcard(cfg.Publisher.SubjectPrefix, cfg.Publisher.SchemaVersion)})
	stream.Replicas = sc.Replicas
	stream.MaxAge = sc.MaxAge
	stream.MaxBytes = sc.MaxBytes
	stream.MaxMsgSize = sc.MaxMsgSize
	stream.Duplicates = sc.Duplicates
	if sc.Storage == "memory" {
		stream.Storage = jetstream.MemoryStorage
	}

	for _, s := range []natsclient.StreamConfig{stream, natsclient.TelemetryDLQStream} {
		if !cfg.DLQ.Enabled && s.Name == natsclient.TelemetryDLQStream.Name {
			continue
		}
		if _, err := js.CreateOrUpdateStream(ctx, s); err != nil {
			js.Close()
			return bus{}, nil, err
		}
		log.Info("Stream ready", slog.String("stream", s.Name), slog.Any("subjects", s.Subjects))
	}

	return bus{producer: js, sync: js, inspector: js}, func() { js.Drain() }, nil
}
