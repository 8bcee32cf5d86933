package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
)

// BatchProcessor commits reconciled batches and acknowledges them
type BatchProcessor struct {
	source  domain.Source
	store   repository.EventStore
	mirror  repository.FactMirror
	metrics metrics.Recorder
	log     *zap.Logger
}

// NewBatchProcessor creates a processor. mirror may be nil.
func NewBatchProcessor(source domain.Source, store repository.EventStore, mirror repository.FactMirror, recorder metrics.Recorder, log *zap.Logger) *BatchProcessor {
	return &BatchProcessor{
		source:  source,
		store:   store,
		mirror:  mirror,
		metrics: recorder,
		log:     log,
	}
}

// Commit durably writes the envelopes and returns the ones that are safe to
// ack. On a transient failure nothing is returned and the whole batch is left
// for redelivery. On a permanent failure the batch is retried one envelope at
// a time so a single bad message does not hold back its neighbours.
func (p *BatchProcessor) Commit(ctx context.Context, envelopes []*Envelope) ([]*Envelope, error) {
	if len(envelopes) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		p.metrics.ObserveBatchDuration(time.Since(start))
	}()

	err := p.commit(ctx, envelopes)
	if err == nil {
		p.metrics.IncProcessed(len(envelopes))
		return envelopes, nil
	}

	if !errors.Is(err, repository.ErrPermanent) || len(envelopes) == 1 {
		p.metrics.IncFailed(len(envelopes))
		p.log.Error("Failed to commit batch",
			zap.Int("envelope_count", len(envelopes)),
			zap.Strings("event_ids", eventIDs(envelopes)),
			zap.Error(err))
		return nil, err
	}

	p.log.Warn("Permanent store error, retrying batch one message at a time",
		zap.Int("envelope_count", len(envelopes)),
		zap.Error(err))

	committed := make([]*Envelope, 0, len(envelopes))
	var failed int
	for _, env := range envelopes {
		single := []*Envelope{env}
		if err := p.commit(ctx, single); err != nil {
			failed++
			p.log.Error("Failed to commit event",
				zap.String("event_id", env.Event.EventID),
				zap.String("correlation_id", env.Normalized.Event.CorrelationID),
				zap.Error(err))
			continue
		}
		committed = append(committed, env)
	}

	p.metrics.IncProcessed(len(committed))
	p.metrics.IncFailed(failed)

	if failed > 0 {
		return committed, fmt.Errorf("%d of %d events failed: %w", failed, len(envelopes), err)
	}
	return committed, nil
}

func (p *BatchProcessor) commit(ctx context.Context, envelopes []*Envelope) error {
	batch := BuildBatch(p.source, envelopes)

	result, err := p.store.WriteBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}

	if p.mirror != nil {
		// Facts carry stored engagement ids, never the fresh ones generated
		// for events the store skipped
		if len(result.Facts) > 0 {
			if _, err := p.mirror.InsertFacts(ctx, result.Facts); err != nil {
				return fmt.Errorf("failed to mirror facts: %w", err)
			}
		}
	}

	p.log.Info("Batch committed",
		zap.Int("envelope_count", len(envelopes)),
		zap.Int("events_inserted", result.Events),
		zap.Int("events_skipped", result.SkippedEvents),
		zap.Int("users", result.Users),
		zap.Int("locations", result.Locations))

	return nil
}

// Ack acknowledges committed envelopes. A failed ack only means the message
// is redelivered and skipped as already stored.
func (p *BatchProcessor) Ack(ctx context.Context, envelopes []*Envelope) {
	for _, env := range envelopes {
		if err := env.Ack(ctx); err != nil {
			p.log.Error("Failed to ack envelope",
				zap.String("event_id", env.Event.EventID),
				zap.Error(err))
		}
	}
}

func eventIDs(envelopes []*Envelope) []string {
	ids := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		ids = append(ids, env.Event.EventID)
	}
	return ids
}
