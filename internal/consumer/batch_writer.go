package consumer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// BatchWriterConfig configures the batch writer
type BatchWriterConfig struct {
	MaxBatchSize int
	FlushTimeout time.Duration
	// QueueSize bounds messages buffered between the subscription and the
	// writer; a full queue blocks the subscription
	QueueSize int
}

// BatchWriter consumes the durable consumer continuously and flushes buffered
// messages by size or by time
type BatchWriter struct {
	subscriber queue.Subscriber
	parser     *ParserStage
	processor  *BatchProcessor
	config     BatchWriterConfig
	metrics    metrics.Recorder
	log        *zap.Logger
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter(subscriber queue.Subscriber, parser *ParserStage, processor *BatchProcessor, config BatchWriterConfig, recorder metrics.Recorder, log *zap.Logger) *BatchWriter {
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxBatchSize
	}
	return &BatchWriter{
		subscriber: subscriber,
		parser:     parser,
		processor:  processor,
		config:     config,
		metrics:    recorder,
		log:        log,
	}
}

// Start subscribes and runs the flush loop until ctx is cancelled or the
// subscription ends
func (w *BatchWriter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan queue.Message, w.config.QueueSize)

	subDone := make(chan error, 1)
	go func() {
		subDone <- w.subscriber.Consume(ctx, func(msg queue.Message) {
			select {
			case in <- msg:
			case <-ctx.Done():
			}
		})
	}()

	return w.run(ctx, in, subDone)
}

func (w *BatchWriter) run(ctx context.Context, in <-chan queue.Message, subDone <-chan error) error {
	ticker := time.NewTicker(w.config.FlushTimeout)
	defer ticker.Stop()

	pending := make([]queue.Message, 0, w.config.MaxBatchSize)

	flushFinal := func() {
		if len(pending) > 0 {
			w.log.Info("Flushing final batch", zap.Int("message_count", len(pending)))
			_ = w.Flush(ctx, pending)
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Batch writer shutting down")
			flushFinal()
			return nil

		case err := <-subDone:
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("Subscription ended", zap.Error(err))
			flushFinal()
			if err == nil {
				err = errors.New("subscription ended unexpectedly")
			}
			return err

		case msg := <-in:
			pending = append(pending, msg)

			if len(pending) >= w.config.MaxBatchSize {
				w.log.Debug("Batch size threshold reached", zap.Int("batch_size", len(pending)))
				_ = w.Flush(ctx, pending)
				pending = make([]queue.Message, 0, w.config.MaxBatchSize)
				ticker.Reset(w.config.FlushTimeout)
			}

		case <-ticker.C:
			if len(pending) > 0 {
				w.log.Debug("Batch timeout reached", zap.Int("message_count", len(pending)))
				_ = w.Flush(ctx, pending)
				pending = make([]queue.Message, 0, w.config.MaxBatchSize)
			}
		}
	}
}

// Flush processes msgs as one batch: dead-letter poison messages, commit the
// rest, then ack what was committed
func (w *BatchWriter) Flush(ctx context.Context, msgs []queue.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batchCtx := context.WithoutCancel(ctx)

	w.metrics.IncAccepted(len(msgs))
	envelopes := w.parser.Prepare(batchCtx, msgs)

	committed, err := w.processor.Commit(batchCtx, envelopes)
	w.processor.Ack(batchCtx, committed)
	return err
}
