package jetstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

const (
	DeadLetterStream   = "DEADLETTER"
	deadLetterSubjects = "deadletter.>"

	headerReason       = "x-deadletter-reason"
	headerSubject      = "x-original-subject"
	headerNumDelivered = "x-num-delivered"
	headerFailedAt     = "x-failed-at"
)

// DeadLetterSink parks poison messages on the DEADLETTER stream
type DeadLetterSink struct {
	client *Client
}

// NewDeadLetterSink ensures the dead-letter stream exists
func NewDeadLetterSink(ctx context.Context, client *Client) (*DeadLetterSink, error) {
	if err := client.ensureStream(ctx, DeadLetterStream, []string{deadLetterSubjects}); err != nil {
		return nil, err
	}
	return &DeadLetterSink{client: client}, nil
}

// DeadLetter publishes the original payload to deadletter.<source> with the
// failure context in headers
func (s *DeadLetterSink) DeadLetter(ctx context.Context, dl queue.DeadLetter) error {
	failedAt := dl.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	msg := nats.NewMsg("deadletter." + string(dl.Source))
	msg.Data = dl.Payload
	msg.Header.Set(headerReason, dl.Reason)
	msg.Header.Set(headerSubject, dl.Subject)
	msg.Header.Set(headerNumDelivered, strconv.FormatUint(dl.NumDelivered, 10))
	msg.Header.Set(headerFailedAt, failedAt.Format(time.RFC3339Nano))
	if dl.CorrelationID != "" {
		msg.Header.Set(queue.HeaderCorrelationID, dl.CorrelationID)
	}

	if _, err := s.client.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	s.client.log.Warn("Message dead-lettered",
		zap.String("source", string(dl.Source)),
		zap.String("subject", dl.Subject),
		zap.String("correlation_id", dl.CorrelationID),
		zap.Uint64("num_delivered", dl.NumDelivered),
		zap.String("reason", dl.Reason))

	return nil
}
