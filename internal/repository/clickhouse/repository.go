package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

const factsTable = "event_facts"

// Repository mirrors committed event facts into ClickHouse. It implements
// repository.FactMirror.
type Repository struct {
	client *Client
	log    *zap.Logger
	now    func() time.Time
}

// NewRepository creates a new ClickHouse fact mirror
func NewRepository(client *Client, log *zap.Logger) *Repository {
	return &Repository{
		client: client,
		log:    log,
		now:    time.Now,
	}
}

// InitSchema creates the facts table. ReplacingMergeTree collapses rows that
// share an event id, so replays are harmless.
func (r *Repository) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ` + factsTable + ` (
		event_id String,
		source LowCardinality(String),
		funnel_stage LowCardinality(String),
		event_type LowCardinality(String),
		user_id String,
		engagement_id String,
		correlation_id String,
		occurred_at DateTime64(3, 'UTC'),
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (source, event_id)
	SETTINGS index_granularity = 8192
	`

	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", factsTable, err)
	}

	r.log.Info("ClickHouse schema initialized successfully")
	return nil
}

// InsertFacts appends one row per event in a single native batch
func (r *Repository) InsertFacts(ctx context.Context, events []domain.EventRecord) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch, err := r.client.Conn().PrepareBatch(ctx, "INSERT INTO "+factsTable)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	version := uint64(r.now().UnixNano())
	for _, event := range events {
		if err := batch.Append(factValues(event, version)...); err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("failed to append event %s to batch: %w", event.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}

	r.log.Debug("Mirrored event facts", zap.Int("event_count", len(events)))
	return len(events), nil
}

// Ping checks if the ClickHouse connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Conn().Ping(ctx)
}

// Close closes the ClickHouse connection
func (r *Repository) Close() error {
	return r.client.Close()
}

// factValues orders an event's columns as declared in the facts table
func factValues(e domain.EventRecord, version uint64) []any {
	return []any{
		e.EventID,
		string(e.Source),
		string(e.FunnelStage),
		e.EventType,
		e.UserExternalID,
		engagementID(e),
		e.CorrelationID,
		e.Timestamp.UTC(),
		version,
	}
}

func engagementID(e domain.EventRecord) string {
	var id *uuid.UUID
	switch {
	case e.EngagementTopID != nil:
		id = e.EngagementTopID
	case e.EngagementBottomID != nil:
		id = e.EngagementBottomID
	default:
		return ""
	}
	return id.String()
}
