package postgres

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
)

// Client wraps the Postgres connection pool
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewClient opens a pool and waits until the database answers a ping
func NewClient(ctx context.Context, pgConfig config.Postgres, log *zap.Logger) (*Client, error) {
	poolConfig, err := pgxpool.ParseConfig(pgConfig.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if pgConfig.MaxConns > 0 {
		poolConfig.MaxConns = pgConfig.MaxConns
	}
	if pgConfig.MinConns > 0 {
		poolConfig.MinConns = pgConfig.MinConns
	}
	if pgConfig.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = pgConfig.ConnMaxLifetime
	}

	log.Info("Connecting to Postgres",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns))

	pool, err := retry.DoWithData(
		func() (*pgxpool.Pool, error) {
			pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
			if err != nil {
				return nil, err
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			return pool, nil
		},
		retry.Context(ctx),
		retry.Attempts(pgConfig.ConnectAttempts),
		retry.Delay(pgConfig.ConnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Failed to connect to Postgres, retrying",
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		log.Error("Failed to connect to Postgres", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	log.Info("Postgres connection established successfully")

	return &Client{pool: pool, log: log}, nil
}

// Pool returns the underlying pool
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close closes the pool
func (c *Client) Close() error {
	c.log.Info("Closing Postgres connection pool")
	c.pool.Close()
	return nil
}
