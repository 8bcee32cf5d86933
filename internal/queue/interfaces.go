package queue

import (
	"context"
	"time"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

// HeaderCorrelationID carries the gateway request's correlation id on every message
const HeaderCorrelationID = "x-correlation-id"

// Publisher defines the interface for publishing events to the durable log
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event, correlationID string) error
	Ready(ctx context.Context) error
}

// Message is a single delivery from the durable log
type Message interface {
	Data() []byte
	Subject() string
	CorrelationID() string
	// NumDelivered is 1 on first delivery and grows with every redelivery
	NumDelivered() uint64
	Ack(ctx context.Context) error
	Nak() error
	Term() error
}

// Fetcher pulls bounded batches from a durable consumer
type Fetcher interface {
	// Fetch returns at most batchSize messages, waiting up to wait. An expired fetch
	// returns an empty slice and no error.
	Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]Message, error)
}

// Subscriber iterates a durable consumer continuously until ctx is done
type Subscriber interface {
	Consume(ctx context.Context, handler func(Message)) error
}

// DeadLetter is a poison message parked for manual inspection
type DeadLetter struct {
	Source        domain.Source `json:"source"`
	Subject       string        `json:"subject"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	NumDelivered  uint64        `json:"num_delivered"`
	Reason        string        `json:"reason"`
	Payload       []byte        `json:"payload"`
	FailedAt      time.Time     `json:"failed_at"`
}

// DeadLetterSink stores poison messages outside the source stream
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}
