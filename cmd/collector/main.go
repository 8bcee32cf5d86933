package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/consumer"
	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/logger"
	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue/jetstream"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue/sqs"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository/clickhouse"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	source, err := domain.ParseSource(cfg.Collector.Source)
	if err != nil {
		panic(fmt.Sprintf("Invalid collector source: %v", err))
	}
	serviceName := string(source) + "-collector"

	log, err := logger.New(cfg.Service.Environment, serviceName)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		_ = log.Sync()
	}(log)

	log.Info("Starting collector",
		zap.String("environment", cfg.Service.Environment),
		zap.String("source", string(source)),
		zap.String("mode", cfg.Consumer.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsClient, err := jetstream.NewClient(ctx, cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer func() {
		if err := natsClient.Close(); err != nil {
			log.Error("Failed to close NATS client", zap.Error(err))
		}
	}()

	if err := natsClient.EnsureStream(ctx, source); err != nil {
		log.Fatal("Failed to ensure stream", zap.Error(err))
	}

	durable, err := natsClient.Consumer(ctx, source, jetstream.ConsumerOptions{
		Durable:         cfg.Consumer.Durable,
		AckWait:         cfg.Consumer.AckWait,
		MaxAckPending:   cfg.Consumer.MaxAckPending,
		PullMaxMessages: cfg.Consumer.BatchSize,
	})
	if err != nil {
		log.Fatal("Failed to bind durable consumer", zap.Error(err))
	}

	pgClient, err := postgres.NewClient(ctx, cfg.Postgres, log)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	store := postgres.NewRepository(pgClient, source, log)
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close Postgres repository", zap.Error(err))
		}
	}()

	if err := store.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var mirror repository.FactMirror
	if cfg.ClickHouse.Enabled {
		chClient, err := clickhouse.NewClient(ctx, cfg.ClickHouse, log)
		if err != nil {
			log.Fatal("Failed to create ClickHouse client", zap.Error(err))
		}
		chRepo := clickhouse.NewRepository(chClient, log)
		defer func() {
			if err := chRepo.Close(); err != nil {
				log.Error("Failed to close ClickHouse repository", zap.Error(err))
			}
		}()
		if err := chRepo.InitSchema(ctx); err != nil {
			log.Fatal("Failed to initialize ClickHouse schema", zap.Error(err))
		}
		mirror = chRepo
	}

	sink, err := newDeadLetterSink(ctx, cfg, natsClient, log)
	if err != nil {
		log.Fatal("Failed to create dead-letter sink", zap.Error(err))
	}

	m := metrics.New(serviceName)

	c, err := consumer.NewConsumer(cfg.Consumer, source, consumer.Deps{
		Source:  durable,
		Store:   store,
		Mirror:  mirror,
		Sink:    sink,
		Metrics: m,
	}, log)
	if err != nil {
		log.Fatal("Failed to create consumer", zap.Error(err))
	}

	healthServer := newHealthServer(cfg.Consumer.HealthCheckPort, natsClient, store, mirror, m, log)
	go func() {
		log.Info("Health check server starting", zap.String("address", healthServer.Addr))
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health check server error", zap.Error(err))
		}
	}()

	if err := c.Start(ctx); err != nil {
		log.Error("Consumer error", zap.Error(err))
	}

	log.Info("Shutting down collector gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shut down health check server", zap.Error(err))
	}
}

func newDeadLetterSink(ctx context.Context, cfg *config.Config, natsClient *jetstream.Client, log *zap.Logger) (queue.DeadLetterSink, error) {
	switch cfg.DeadLetter.Backend {
	case "sqs":
		return sqs.NewDeadLetterSink(ctx, cfg.SQS, log)
	default:
		return jetstream.NewDeadLetterSink(ctx, natsClient)
	}
}

func newHealthServer(port string, natsClient *jetstream.Client, store repository.EventStore, mirror repository.FactMirror, m *metrics.Metrics, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := []func(context.Context) error{natsClient.Ready, store.Ping}
		if mirror != nil {
			checks = append(checks, mirror.Ping)
		}
		for _, check := range checks {
			if err := check(ctx); err != nil {
				log.Warn("Readiness check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.Handle("/metrics", m.Handler())

	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
