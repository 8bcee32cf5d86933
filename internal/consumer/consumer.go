package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
)

const (
	ModePull = "pull"
	ModePush = "push"
)

// Consumer runs one source's collector in either pull or push mode
type Consumer struct {
	mode        string
	receiver    *Receiver
	batchWriter *BatchWriter
	log         *zap.Logger
}

// Deps groups the collaborators a consumer needs
type Deps struct {
	Source  Source
	Store   repository.EventStore
	Mirror  repository.FactMirror
	Sink    queue.DeadLetterSink
	Metrics metrics.Recorder
}

// NewConsumer wires the parser stage and batch processor behind the configured mode
func NewConsumer(cfg config.Consumer, source domain.Source, deps Deps, log *zap.Logger) (*Consumer, error) {
	log = log.With(zap.String("source", string(source)), zap.String("mode", cfg.Mode))

	parser := NewParserStage(NewJSONEventParser(), deps.Sink, ParserStageConfig{
		Source:        source,
		MaxDeliveries: cfg.MaxDeliveries,
	}, deps.Metrics, log)

	processor := NewBatchProcessor(source, deps.Store, deps.Mirror, deps.Metrics, log)

	c := &Consumer{mode: cfg.Mode, log: log}
	switch cfg.Mode {
	case ModePull:
		c.receiver = NewReceiver(deps.Source, parser, processor, ReceiverConfig{
			BatchSize:    cfg.BatchSize,
			FetchWait:    cfg.FetchWait,
			ErrorBackoff: cfg.ErrorBackoff,
		}, deps.Metrics, log)
	case ModePush:
		c.batchWriter = NewBatchWriter(deps.Source, parser, processor, BatchWriterConfig{
			MaxBatchSize: cfg.BatchSize,
			FlushTimeout: cfg.FlushInterval,
			QueueSize:    cfg.BatchSize * 2,
		}, deps.Metrics, log)
	default:
		return nil, fmt.Errorf("unknown consumer mode %q", cfg.Mode)
	}

	return c, nil
}

// Start blocks until ctx is cancelled and the in-flight batch is finished
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("Consumer started")
	defer c.log.Info("Consumer stopped")

	if c.receiver != nil {
		c.receiver.Start(ctx)
		return nil
	}
	return c.batchWriter.Start(ctx)
}
