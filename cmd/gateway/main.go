package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/handler"
	"github.com/BarkinBalci/event-ingestion-service/internal/logger"
	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue/jetstream"
	"github.com/BarkinBalci/event-ingestion-service/internal/service"
	"github.com/BarkinBalci/event-ingestion-service/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Service.Environment, cfg.Service.Name)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		_ = log.Sync()
	}(log)

	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("Starting gateway",
		zap.String("environment", cfg.Service.Environment),
		zap.String("port", cfg.Service.Port))

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

	if err := natsClient.EnsureStreams(ctx); err != nil {
		log.Fatal("Failed to ensure streams", zap.Error(err))
	}

	m := metrics.New(cfg.Service.Name)
	gatewayService := service.NewGatewayService(natsClient, m, cfg.Gateway, log)
	h := handler.NewHandler(gatewayService, validation.New(cfg.Gateway.FullValidationLimit), m.Handler(), cfg.Gateway, log)

	server := &http.Server{
		Addr:    ":" + cfg.Service.Port,
		Handler: h,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Gateway server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gateway gracefully")
	case err := <-serverErr:
		log.Error("Gateway server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shut down gateway server", zap.Error(err))
	}
}
