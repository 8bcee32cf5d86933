package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
)

// Client wraps the ClickHouse connection used by the fact mirror
type Client struct {
	connection driver.Conn
	log        *zap.Logger
}

// NewClient opens a ClickHouse connection, retrying until the server answers
// a ping or the attempts run out
func NewClient(ctx context.Context, cfg config.ClickHouse, log *zap.Logger) (*Client, error) {
	opts := options(cfg)

	log.Info("Connecting to ClickHouse",
		zap.Strings("addr", opts.Addr),
		zap.String("database", cfg.Database),
		zap.String("compression", cfg.Compression),
		zap.Bool("useTLS", cfg.UseTLS))

	connection, err := retry.DoWithData(
		func() (driver.Conn, error) {
			conn, err := clickhouse.Open(opts)
			if err != nil {
				return nil, err
			}
			if err := conn.Ping(ctx); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
		retry.Context(ctx),
		retry.Attempts(cfg.ConnectAttempts),
		retry.Delay(cfg.ConnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Failed to connect to ClickHouse, retrying",
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		log.Error("Failed to connect to ClickHouse", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	log.Info("ClickHouse connection established successfully")

	return &Client{connection: connection, log: log}, nil
}

// options maps the mirror config onto driver options. Inserts are small
// native batches, so compression is on unless disabled.
func options(cfg config.ClickHouse) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      5 * time.Second,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  time.Duration(cfg.ConnMaxLifetime) * time.Second,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{}
	}
	if cfg.Compression == "lz4" {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() driver.Conn {
	return c.connection
}

// Close closes the ClickHouse connection
func (c *Client) Close() error {
	c.log.Info("Closing ClickHouse connection")
	if err := c.connection.Close(); err != nil {
		c.log.Error("Error closing ClickHouse connection", zap.Error(err))
		return err
	}
	return nil
}
