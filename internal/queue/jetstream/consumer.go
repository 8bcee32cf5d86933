package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	njs "github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

// ConsumerOptions configures a durable pull consumer
type ConsumerOptions struct {
	Durable       string
	AckWait       time.Duration
	MaxAckPending int
	// PullMaxMessages bounds the client-side buffer in Consume
	PullMaxMessages int
}

// Consumer is a durable consumer bound to one source stream
type Consumer struct {
	consumer njs.Consumer
	opts     ConsumerOptions
	log      *zap.Logger
}

// DefaultDurable is the durable name used when none is configured
func DefaultDurable(source domain.Source) string {
	return string(source) + "-collector"
}

// Consumer looks up the durable consumer for a source, creating it when absent.
// Server-side redelivery is unbounded; the collector decides when to give up.
func (c *Client) Consumer(ctx context.Context, source domain.Source, opts ConsumerOptions) (*Consumer, error) {
	if opts.Durable == "" {
		opts.Durable = DefaultDurable(source)
	}
	stream := source.StreamName()

	cons, err := c.js.Consumer(ctx, stream, opts.Durable)
	if errors.Is(err, njs.ErrConsumerNotFound) {
		cons, err = c.js.CreateConsumer(ctx, stream, njs.ConsumerConfig{
			Durable:       opts.Durable,
			AckPolicy:     njs.AckExplicitPolicy,
			DeliverPolicy: njs.DeliverAllPolicy,
			FilterSubject: source.Subject(),
			AckWait:       opts.AckWait,
			MaxAckPending: opts.MaxAckPending,
		})
		if err == nil {
			c.log.Info("Durable consumer created",
				zap.String("stream", stream),
				zap.String("durable", opts.Durable))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s on %s: %w", opts.Durable, stream, err)
	}

	return &Consumer{
		consumer: cons,
		opts:     opts,
		log:      c.log.With(zap.String("durable", opts.Durable)),
	}, nil
}

// Fetch pulls up to batchSize messages, waiting at most wait for them to arrive
func (c *Consumer) Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := c.consumer.Fetch(batchSize, njs.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	msgs := make([]queue.Message, 0, batchSize)
	for msg := range batch.Messages() {
		msgs = append(msgs, &message{msg: msg})
	}

	if err := batch.Error(); err != nil && !isFetchTimeout(err) {
		if len(msgs) == 0 {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}
		c.log.Warn("Fetch ended early", zap.Int("received", len(msgs)), zap.Error(err))
	}

	return msgs, nil
}

// Consume iterates the consumer until ctx is done, handing each message to
// handler on the calling goroutine.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message)) error {
	var iterOpts []njs.PullMessagesOpt
	if c.opts.PullMaxMessages > 0 {
		iterOpts = append(iterOpts, njs.PullMaxMessages(c.opts.PullMaxMessages))
	}

	it, err := c.consumer.Messages(iterOpts...)
	if err != nil {
		return fmt.Errorf("failed to start message iterator: %w", err)
	}

	stop := sync.OnceFunc(it.Stop)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()
	}()

	for {
		msg, err := it.Next()
		if err != nil {
			if errors.Is(err, njs.ErrMsgIteratorClosed) {
				return nil
			}
			if errors.Is(err, njs.ErrNoHeartbeat) {
				c.log.Warn("Missed consumer heartbeat", zap.Error(err))
				continue
			}
			return fmt.Errorf("message iterator failed: %w", err)
		}
		handler(&message{msg: msg})
	}
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

type message struct {
	msg njs.Msg
}

func (m *message) Data() []byte    { return m.msg.Data() }
func (m *message) Subject() string { return m.msg.Subject() }

func (m *message) CorrelationID() string {
	return m.msg.Headers().Get(queue.HeaderCorrelationID)
}

func (m *message) NumDelivered() uint64 {
	md, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return md.NumDelivered
}

// Ack blocks until the server confirms the acknowledgement
func (m *message) Ack(ctx context.Context) error {
	return m.msg.DoubleAck(ctx)
}

func (m *message) Nak() error  { return m.msg.Nak() }
func (m *message) Term() error { return m.msg.Term() }
