package consumer

import (
	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// MessageParser defines the interface for parsing raw message bytes into events
type MessageParser interface {
	Parse(body []byte) (*domain.Event, error)
}

// Source is a durable consumer usable in both pull and push mode
type Source interface {
	queue.Fetcher
	queue.Subscriber
}
