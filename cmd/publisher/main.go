// Package main provides the outbox publisher that drains pending events to the notification sink.
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

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/rueidis"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/microbank-transactions/internal/config"
	"github.com/jnst/microbank-transactions/internal/database"
	"github.com/jnst/microbank-transactions/internal/logger"
	"github.com/jnst/microbank-transactions/internal/metrics"
	"github.com/jnst/microbank-transactions/internal/repository"
	"github.com/jnst/microbank-transactions/internal/service"
	"github.com/jnst/microbank-transactions/internal/sink"
)

const (
	shutdownTimeout = 10 * time.Second
	exitCode        = 1
)

func setupSink(ctx context.Context, cfg *config.Config) (sink.Sink, func(), error) {
	switch cfg.SinkDriver {
	case config.SinkDriverNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("outbox-publisher"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		if err := sink.EnsureStream(ctx, js, cfg.SinkTopic); err != nil {
			nc.Close()
			return nil, nil, err
		}

		return sink.NewJetStreamSink(js), func() { _ = nc.Drain() }, nil
	default:
		redisClient, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.RedisAddr},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		return sink.NewRedisStreamSink(redisClient), redisClient.Close, nil
	}
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	publisherMetrics := metrics.NewPublisher(reg)

	dbPool, err := database.NewPool(ctx, cfg.DatabaseURL, database.Options{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return err
	}
	defer dbPool.Close()

	baseSink, closeSink, err := setupSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	guarded := sink.NewBreaker(baseSink, sink.BreakerSettings{
		Name:             cfg.SinkDriver,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("sink circuit breaker state changed",
				slog.String("sink", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			publisherMetrics.SetBreakerState(int(to))
		},
	})

	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	outboxService := service.NewOutboxServiceImpl(outboxRepo, guarded, publisherMetrics, service.OutboxServiceOptions{
		Topic:       cfg.SinkTopic,
		SinkTimeout: cfg.SinkTimeout,
		ClaimLease:  cfg.Publisher.ClaimLease,
		Retry: service.RetryPolicy{
			MaxAttempts:         cfg.Publisher.MaxAttempts,
			InitialInterval:     cfg.Publisher.RetryInitial,
			MaxInterval:         cfg.Publisher.RetryMax,
			Multiplier:          cfg.Publisher.RetryMultiplier,
			RandomizationFactor: cfg.Publisher.RetryJitter,
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	var wake <-chan struct{}

	if cfg.Publisher.ListenNotify {
		listener := repository.NewNotificationListener(cfg.DatabaseURL, repository.OutboxChannel)
		wake = listener.Wake()

		g.Go(func() error { return listener.Run(gctx) })
	}

	metricsServer := newMetricsServer(":"+cfg.MetricsPort, reg)

	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return metricsServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		service.NewPublisher(outboxService, cfg.Publisher.PollInterval, cfg.Publisher.BatchSize, wake).Run(gctx)
		return nil
	})

	slog.Info("starting outbox publisher",
		slog.String("service", "publisher"),
		slog.String("sink", cfg.SinkDriver),
		slog.String("topic", cfg.SinkTopic),
		slog.String("metrics_port", cfg.MetricsPort),
		slog.Bool("listen_notify", cfg.Publisher.ListenNotify),
	)

	return g.Wait()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("publisher failed", slog.String("error", err.Error()))
		stop()
		os.Exit(exitCode)
	}
}
