package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/apptschedule/libs/db"
	"github.com/md-rashed-zaman/apptschedule/libs/grpcx"
	"github.com/md-rashed-zaman/apptschedule/libs/httpx"
	"github.com/md-rashed-zaman/apptschedule/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptschedule/libs/otel"
	"github.com/md-rashed-zaman/apptschedule/libs/runtime"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/config"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/engine"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/feed"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/query"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const grpcHealthService = "scheduling.v1.SchedulingService"

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := runtime.SignalContext()
	defer stop()

	var checks []runtime.ReadyCheck

	tracing, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	}

	var pool *db.Pool
	if cfg.StorageDriver == "postgres" || cfg.PatientDirectory == "postgres" {
		pool, err = db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns, ApplicationName: cfg.ServiceName})
		if err != nil {
			return fmt.Errorf("db connection failed: %w", err)
		}
		defer pool.Close()
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	}

	store, err := openStore(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	checks = append(checks, runtime.ReadyCheck{Name: "storage", Check: store.Ping})

	dir, err := openDirectory(cfg, pool)
	if err != nil {
		return err
	}

	changes := feed.New(feed.Options{Buffer: cfg.FeedBuffer, MaxBacklog: cfg.FeedMaxBacklog, Logger: logger})
	var publisher engine.Publisher = changes
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:                  cfg.RedisAddr,
			Password:              cfg.RedisPassword,
			DB:                    cfg.RedisDB,
			ContextTimeoutEnabled: true,
		})
		defer func() { _ = rdb.Close() }()
		relay := feed.NewRedisRelay(rdb, cfg.FeedChannel, changes, logger)
		publisher = relay
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: relay.Ping})
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("feed relay stopped", "err", err)
			}
		}()
	}

	dispatcher := notify.NewDispatcher(dir, logger, notify.Config{QueueSize: cfg.NotifyQueueSize}, notifyChannels(cfg, logger)...)
	dispatcher.Start()

	createValidator := engine.AnyTime()
	if cfg.CreateRejectPast {
		createValidator = engine.NotInPast(cfg.RescheduleGrace)
	}
	eng := engine.New(store, dir, engine.Options{
		Policy:          engine.BookingPolicy{AutoConfirm: cfg.BookingAutoConfirm},
		Validator:       engine.NotInPast(cfg.RescheduleGrace),
		CreateValidator: createValidator,
		Retry: engine.RetryConfig{
			Attempts: cfg.StorageRetryAttempts,
			Initial:  cfg.StorageRetryInitial,
			Max:      cfg.StorageRetryMax,
		},
		Publisher: publisher,
		Notifier:  dispatcher,
		Logger:    logger,
	})
	reads := query.New(store, store)

	outboxDone := make(chan struct{})
	if cfg.UsesKafka() {
		brokers := kafkax.SplitBrokers(cfg.KafkaBrokers)
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		pub := outbox.NewPublisher(store, outbox.NewKafkaWriter(brokers), logger, outbox.PublisherConfig{
			PollEvery: cfg.OutboxPollInterval,
			BatchSize: cfg.OutboxBatchSize,
		})
		go func() {
			defer close(outboxDone)
			pub.Run(ctx)
		}()
	} else {
		close(outboxDone)
		logger.Warn("KAFKA_BROKERS not set, outbox events stay unpublished")
	}

	api := http.NewServeMux()
	handlers.NewAppointmentsHandler(eng, reads, logger).Register(api)
	handlers.NewFeedHandler(changes, reads, logger).Register(api)
	var limiter httpx.Middleware
	if rdb != nil {
		limiter = httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "sched:rl").Middleware(logger, true)
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/api/", httpx.Chain(api,
		limiter,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(cfg.RequestTimeout),
	))
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpHandler, "scheduling"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	grpcSrv, health := grpcx.NewServer(logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()
	go grpcx.WatchReadiness(ctx, health, grpcHealthService, 5*time.Second, func(ctx context.Context) bool {
		return len(runtime.RunChecks(ctx, checks)) == 0
	})

	<-ctx.Done()
	logger.Info("shutting down")
	// Stop intake first. Storage and connections close in the deferred calls.
	closers := []runtime.Closer{
		{Name: "http", Close: srv.Shutdown},
		{Name: "grpc", Close: func(context.Context) error {
			grpcSrv.GracefulStop()
			return nil
		}},
		{Name: "feed", Close: func(context.Context) error {
			changes.Close()
			return nil
		}},
		{Name: "notify", Close: dispatcher.Close},
		{Name: "outbox", Close: func(ctx context.Context) error {
			select {
			case <-outboxDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	}
	if tracing != nil {
		closers = append(closers, runtime.Closer{Name: "otel", Close: tracing.Shutdown})
	}
	runtime.Shutdown(logger, 15*time.Second, closers...)
	logger.Info("stopped")
	return nil
}
