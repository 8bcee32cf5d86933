package consumer

import (
	"fmt"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

// JSONEventParser implements MessageParser for JSON-formatted event messages
type JSONEventParser struct{}

// NewJSONEventParser creates a new JSON event parser
func NewJSONEventParser() *JSONEventParser {
	return &JSONEventParser{}
}

// Parse decodes a message body into an Event
func (p *JSONEventParser) Parse(body []byte) (*domain.Event, error) {
	event, err := domain.DecodeEvent(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return event, nil
}
