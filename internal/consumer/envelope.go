package consumer

import (
	"context"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// Envelope wraps a decoded event with the log message it arrived on
type Envelope struct {
	Event      *domain.Event
	Normalized *domain.Normalized
	msg        queue.Message
}

// NewEnvelope creates a new message envelope
func NewEnvelope(msg queue.Message, event *domain.Event, normalized *domain.Normalized) *Envelope {
	return &Envelope{
		Event:      event,
		Normalized: normalized,
		msg:        msg,
	}
}

// Ack acknowledges successful processing
func (e *Envelope) Ack(ctx context.Context) error {
	if e.msg == nil {
		return nil
	}
	return e.msg.Ack(ctx)
}

// Message returns the underlying log message
func (e *Envelope) Message() queue.Message {
	return e.msg
}
