package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// GatewayService publishes validated webhook events to the durable log
type GatewayService struct {
	publisher      queue.Publisher
	metrics        metrics.Recorder
	concurrency    int
	publishTimeout time.Duration
	log            *zap.Logger
}

// NewGatewayService creates a new gateway service. PublishConcurrency bounds
// the number of publishes in flight per request.
func NewGatewayService(publisher queue.Publisher, recorder metrics.Recorder, cfg config.Gateway, log *zap.Logger) *GatewayService {
	concurrency := cfg.PublishConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &GatewayService{
		publisher:      publisher,
		metrics:        recorder,
		concurrency:    concurrency,
		publishTimeout: cfg.PublishTimeout,
		log:            log,
	}
}

// PublishEvents publishes each event individually and returns the correlation
// id used. A failed publish is counted and logged; it never stops the others.
// nil entries stand for events that could not be decoded and count as failed.
func (s *GatewayService) PublishEvents(ctx context.Context, events []*domain.Event, correlationID string) string {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	s.metrics.IncAccepted(len(events))

	// Publishing continues after the caller disconnects
	ctx = context.WithoutCancel(ctx)
	if s.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, event := range events {
		if event == nil {
			s.metrics.IncFailed(1)
			s.log.Warn("Skipping undecodable event",
				zap.Int("index", i),
				zap.String("correlation_id", correlationID))
			continue
		}

		event := event
		g.Go(func() error {
			if err := s.publisher.Publish(ctx, event, correlationID); err != nil {
				s.metrics.IncFailed(1)
				s.log.Error("Failed to publish event",
					zap.String("event_id", event.EventID),
					zap.String("source", string(event.Source)),
					zap.String("correlation_id", correlationID),
					zap.Error(err))
				return nil
			}
			s.metrics.IncProcessed(1)
			return nil
		})
	}

	_ = g.Wait()

	s.log.Info("Webhook events published",
		zap.Int("event_count", len(events)),
		zap.String("correlation_id", correlationID))

	return correlationID
}

// Ready reports whether the durable log is reachable
func (s *GatewayService) Ready(ctx context.Context) error {
	return s.publisher.Ready(ctx)
}
