package service

import (
	"context"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

// GatewayServicer defines the interface for gateway service operations
type GatewayServicer interface {
	PublishEvents(ctx context.Context, events []*domain.Event, correlationID string) string
	Ready(ctx context.Context) error
}
