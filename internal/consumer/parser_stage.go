package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/metrics"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// ParserStageConfig configures the parser stage
type ParserStageConfig struct {
	Source domain.Source
	// MaxDeliveries is the number of processing attempts a message gets
	// before it is dead-lettered
	MaxDeliveries uint64
}

// ParserStage turns log messages into envelopes and dead-letters the ones
// that can never be stored
type ParserStage struct {
	parser  MessageParser
	sink    queue.DeadLetterSink
	config  ParserStageConfig
	metrics metrics.Recorder
	log     *zap.Logger
}

// NewParserStage creates a new parser stage
func NewParserStage(parser MessageParser, sink queue.DeadLetterSink, config ParserStageConfig, recorder metrics.Recorder, log *zap.Logger) *ParserStage {
	return &ParserStage{
		parser:  parser,
		sink:    sink,
		config:  config,
		metrics: recorder,
		log:     log,
	}
}

// Prepare returns envelopes for the messages that should be processed, in
// their original order. Every other message is dead-lettered.
func (p *ParserStage) Prepare(ctx context.Context, msgs []queue.Message) []*Envelope {
	envelopes := make([]*Envelope, 0, len(msgs))
	for _, msg := range msgs {
		if env := p.prepareMessage(ctx, msg); env != nil {
			envelopes = append(envelopes, env)
		}
	}
	return envelopes
}

func (p *ParserStage) prepareMessage(ctx context.Context, msg queue.Message) *Envelope {
	if p.config.MaxDeliveries > 0 && msg.NumDelivered() > p.config.MaxDeliveries {
		p.deadLetter(ctx, msg, fmt.Sprintf("delivered %d times, limit is %d", msg.NumDelivered(), p.config.MaxDeliveries))
		return nil
	}

	event, err := p.parser.Parse(msg.Data())
	if err != nil {
		p.deadLetter(ctx, msg, err.Error())
		return nil
	}

	if event.Source != p.config.Source {
		p.deadLetter(ctx, msg, fmt.Sprintf("%v: got %s on %s", domain.ErrSourceMismatch, event.Source, msg.Subject()))
		return nil
	}

	normalized, err := domain.Normalize(event, msg.CorrelationID())
	if err != nil {
		p.deadLetter(ctx, msg, fmt.Sprintf("failed to normalize event %s: %v", event.EventID, err))
		return nil
	}

	return NewEnvelope(msg, event, normalized)
}

// deadLetter parks the message and terminates it. If the sink is unavailable
// the message is released for redelivery instead.
func (p *ParserStage) deadLetter(ctx context.Context, msg queue.Message, reason string) {
	err := p.sink.DeadLetter(ctx, queue.DeadLetter{
		Source:        p.config.Source,
		Subject:       msg.Subject(),
		CorrelationID: msg.CorrelationID(),
		NumDelivered:  msg.NumDelivered(),
		Reason:        reason,
		Payload:       msg.Data(),
		FailedAt:      time.Now().UTC(),
	})
	if err != nil {
		p.log.Error("Failed to dead-letter message",
			zap.String("subject", msg.Subject()),
			zap.String("correlation_id", msg.CorrelationID()),
			zap.String("reason", reason),
			zap.Error(err))
		if err := msg.Nak(); err != nil {
			p.log.Error("Failed to nak message", zap.Error(err))
		}
		return
	}

	if err := msg.Term(); err != nil {
		p.log.Error("Failed to terminate dead-lettered message",
			zap.String("correlation_id", msg.CorrelationID()),
			zap.Error(err))
	}
	p.metrics.IncDeadLettered(1)
}
