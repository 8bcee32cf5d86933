package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// State is the position of the pull loop within one iteration
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateAcking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateAcking:
		return "acking"
	default:
		return "unknown"
	}
}

// ReceiverConfig configures the pull loop
type ReceiverConfig struct {
	BatchSize    int
	FetchWait    time.Duration
	ErrorBackoff time.Duration
}

// Receiver pulls bounded batches and runs each one through the parser stage
// and the batch processor
type Receiver struct {
	fetcher   queue.Fetcher
	parser    *ParserStage
	processor *BatchProcessor
	config    ReceiverConfig
	metrics   metrics.Recorder
	log       *zap.Logger
	state     atomic.Int32
}

// NewReceiver creates a new pull receiver
func NewReceiver(fetcher queue.Fetcher, parser *ParserStage, processor *BatchProcessor, config ReceiverConfig, recorder metrics.Recorder, log *zap.Logger) *Receiver {
	return &Receiver{
		fetcher:   fetcher,
		parser:    parser,
		processor: processor,
		config:    config,
		metrics:   recorder,
		log:       log,
	}
}

// Start loops until ctx is cancelled. Cancellation is observed between
// iterations; a batch that was already fetched is always finished.
func (r *Receiver) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			r.log.Info("Receiver shutting down")
			return
		}

		if err := r.RunOnce(ctx); err != nil && r.config.ErrorBackoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.config.ErrorBackoff):
			}
		}
	}
}

// RunOnce performs a single Fetching, Processing, Acking cycle and returns to Idle
func (r *Receiver) RunOnce(ctx context.Context) error {
	defer r.setState(StateIdle)

	r.setState(StateFetching)
	msgs, err := r.fetcher.Fetch(ctx, r.config.BatchSize, r.config.FetchWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.log.Error("Error fetching messages", zap.Error(err))
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	r.log.Debug("Fetched messages", zap.Int("message_count", len(msgs)))

	// The batch is drained even if shutdown starts now
	batchCtx := context.WithoutCancel(ctx)

	r.setState(StateProcessing)
	r.metrics.IncAccepted(len(msgs))
	envelopes := r.parser.Prepare(batchCtx, msgs)

	committed, err := r.processor.Commit(batchCtx, envelopes)

	r.setState(StateAcking)
	r.processor.Ack(batchCtx, committed)

	return err
}

// State returns the current loop state
func (r *Receiver) State() State {
	return State(r.state.Load())
}

func (r *Receiver) setState(s State) {
	r.state.Store(int32(s))
}
