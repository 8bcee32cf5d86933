package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/nats-io/nats.go"
	njs "github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/queue"
)

var ErrNotConnected = errors.New("not connected to NATS")

// Client wraps a NATS connection and its JetStream context
type Client struct {
	conn   *nats.Conn
	js     njs.JetStream
	config config.NATS
	log    *zap.Logger
}

// NewClient connects to NATS, retrying while the server comes up
func NewClient(ctx context.Context, natsConfig config.NATS, log *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if natsConfig.ClientName != "" {
		opts = append(opts, nats.Name(natsConfig.ClientName))
	}

	conn, err := retry.DoWithData(
		func() (*nats.Conn, error) {
			return nats.Connect(natsConfig.URL, opts...)
		},
		retry.Context(ctx),
		retry.Attempts(natsConfig.ConnectAttempts),
		retry.Delay(natsConfig.ConnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Failed to connect to NATS, retrying",
				zap.Uint("attempt", n+1),
				zap.String("url", natsConfig.URL),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := njs.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Client{
		conn:   conn,
		js:     js,
		config: natsConfig,
		log:    log,
	}, nil
}

// EnsureStream creates the per-source stream if it does not exist yet. An
// existing stream is left untouched.
func (c *Client) EnsureStream(ctx context.Context, source domain.Source) error {
	return c.ensureStream(ctx, source.StreamName(), []string{source.Subject()})
}

// EnsureStreams creates one stream per known source
func (c *Client) EnsureStreams(ctx context.Context) error {
	for _, source := range domain.Sources {
		if err := c.EnsureStream(ctx, source); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ensureStream(ctx context.Context, name string, subjects []string) error {
	_, err := c.js.Stream(ctx, name)
	if err == nil {
		c.log.Debug("Stream already exists", zap.String("stream", name))
		return nil
	}
	if !errors.Is(err, njs.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	_, err = c.js.CreateStream(ctx, njs.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    njs.FileStorage,
		Retention:  njs.LimitsPolicy,
		MaxMsgs:    c.config.StreamMaxMsgs,
		MaxBytes:   c.config.StreamMaxBytes,
		MaxAge:     c.config.StreamMaxAge,
		Replicas:   c.config.StreamReplicas,
		Duplicates: c.config.DuplicateWindow,
	})
	if err != nil && !errors.Is(err, njs.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	c.log.Info("Stream created",
		zap.String("stream", name),
		zap.Strings("subjects", subjects))
	return nil
}

// Publish sends one event to its source subject. The event id doubles as the
// JetStream message id so the server drops duplicates inside its window.
func (c *Client) Publish(ctx context.Context, event *domain.Event, correlationID string) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(event.Source.Subject())
	msg.Data = data
	if correlationID != "" {
		msg.Header.Set(queue.HeaderCorrelationID, correlationID)
	}

	_, err = c.js.PublishMsg(ctx, msg,
		njs.WithMsgID(event.EventID),
		njs.WithRetryAttempts(c.config.PublishRetryAttempts),
		njs.WithRetryWait(c.config.PublishRetryWait),
	)
	if err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", msg.Subject, err)
	}

	return nil
}

// Ready reports whether the connection is usable
func (c *Client) Ready(_ context.Context) error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains pending messages and closes the connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
