package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
)

// Repository implements EventStore for one source's tables
type Repository struct {
	client *Client
	source domain.Source
	tables tables
	log    *zap.Logger
}

// NewRepository creates a repository bound to a single source
func NewRepository(client *Client, source domain.Source, log *zap.Logger) *Repository {
	return &Repository{
		client: client,
		source: source,
		tables: tablesFor(source),
		log:    log.With(zap.String("source", string(source))),
	}
}

// InitSchema creates the source's tables if they don't exist
func (r *Repository) InitSchema(ctx context.Context) error {
	stmts, err := schemaStatements(r.source)
	if err != nil {
		return err
	}

	for _, stmt := range stmts {
		if _, err := r.client.Pool().Exec(ctx, stmt); err != nil {
			// Another collector created the same object concurrently
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && (pgErr.Code == pgerrcode.UniqueViolation || pgErr.Code == pgerrcode.DuplicateTable) {
				continue
			}
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	r.log.Info("Postgres schema initialized successfully")
	return nil
}

// WriteBatch upserts locations and users, then inserts engagement rows and
// events, all inside one transaction
func (r *Repository) WriteBatch(ctx context.Context, batch *repository.Batch) (*repository.WriteResult, error) {
	if batch.Source != r.source {
		return nil, fmt.Errorf("%w: batch for %s written to %s store", domain.ErrSourceMismatch, batch.Source, r.source)
	}
	if len(batch.Events) == 0 {
		return &repository.WriteResult{}, nil
	}

	result := &repository.WriteResult{}
	err := pgx.BeginTxFunc(ctx, r.client.Pool(), pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		locationIDs, err := r.upsertLocations(ctx, tx, batch.Locations)
		if err != nil {
			return err
		}
		result.Locations = len(locationIDs)

		userIDs, err := r.upsertUsers(ctx, tx, batch.Users, locationIDs)
		if err != nil {
			return err
		}
		result.Users = len(userIDs)

		existing, err := r.existingEvents(ctx, tx, batch.Events)
		if err != nil {
			return err
		}
		pending := withoutExisting(batch, existing)
		result.SkippedEvents = len(batch.Events) - len(pending.Events)
		if len(pending.Events) == 0 {
			result.Facts = storedFacts(batch.Events, existing, nil)
			return nil
		}

		if err := r.insertEngagements(ctx, tx, r.tables.top, pending.Top); err != nil {
			return err
		}
		if err := r.insertEngagements(ctx, tx, r.tables.bottom, pending.Bottom); err != nil {
			return err
		}

		inserted, err := r.insertEvents(ctx, tx, pending.Events, userIDs)
		if err != nil {
			return err
		}

		// Rows that lost a race with a concurrent writer leave their
		// engagement rows unreferenced; drop them before commit
		orphans := orphanedEngagements(pending.Events, inserted)
		if err := r.deleteEngagements(ctx, tx, orphans); err != nil {
			return err
		}

		result.Events = len(inserted)
		result.Facts = storedFacts(batch.Events, existing, inserted)
		result.Top = len(pending.Top) - len(orphans.top)
		result.Bottom = len(pending.Bottom) - len(orphans.bottom)
		result.SkippedEvents += len(pending.Events) - len(inserted)
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	return result, nil
}

func (r *Repository) upsertLocations(ctx context.Context, tx pgx.Tx, keys []domain.LocationKey) (map[domain.LocationKey]int64, error) {
	ids := make(map[domain.LocationKey]int64, len(keys))
	if len(keys) == 0 || r.tables.locations == "" {
		return ids, nil
	}

	keys = sortedLocations(keys)
	b := &pgx.Batch{}
	for _, key := range keys {
		query, args, err := upsertLocationSQL(r.tables.locations, key)
		if err != nil {
			return nil, fmt.Errorf("failed to build location upsert: %w", err)
		}
		b.Queue(query, args...)
	}

	br := tx.SendBatch(ctx, b)
	for _, key := range keys {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("failed to upsert location %s/%s: %w", key.Country, key.City, err)
		}
		ids[key] = id
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to upsert locations: %w", err)
	}

	return ids, nil
}

func (r *Repository) upsertUsers(ctx context.Context, tx pgx.Tx, users []domain.UserRecord, locationIDs map[domain.LocationKey]int64) (map[string]int64, error) {
	ids := make(map[string]int64, len(users))
	if len(users) == 0 {
		return ids, nil
	}

	users = sortedUsers(users)
	b := &pgx.Batch{}
	for _, user := range users {
		var locationID *int64
		if user.Location != nil {
			id, ok := locationIDs[*user.Location]
			if !ok {
				return nil, fmt.Errorf("location %s/%s of user %s was not resolved", user.Location.Country, user.Location.City, user.ExternalID)
			}
			locationID = &id
		}

		query, args, err := upsertUserSQL(r.tables.users, user, locationID)
		if err != nil {
			return nil, fmt.Errorf("failed to build user upsert: %w", err)
		}
		b.Queue(query, args...)
	}

	br := tx.SendBatch(ctx, b)
	for _, user := range users {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("failed to upsert user %s: %w", user.ExternalID, err)
		}
		ids[user.ExternalID] = id
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to upsert users: %w", err)
	}

	return ids, nil
}

// storedRefs are the engagement ids of an event already in the store
type storedRefs struct {
	top    *uuid.UUID
	bottom *uuid.UUID
}

func (r *Repository) existingEvents(ctx context.Context, tx pgx.Tx, events []domain.EventRecord) (map[string]storedRefs, error) {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}

	query := fmt.Sprintf("SELECT event_id, engagement_top_id, engagement_bottom_id FROM %s WHERE event_id = ANY($1)",
		pgx.Identifier{r.tables.events}.Sanitize())
	rows, err := tx.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing events: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]storedRefs)
	for rows.Next() {
		var (
			id   string
			refs storedRefs
		)
		if err := rows.Scan(&id, &refs.top, &refs.bottom); err != nil {
			return nil, fmt.Errorf("failed to scan existing events: %w", err)
		}
		existing[id] = refs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan existing events: %w", err)
	}
	return existing, nil
}

func (r *Repository) insertEngagements(ctx context.Context, tx pgx.Tx, table string, rows []domain.EngagementRecord) error {
	if len(rows) == 0 {
		return nil
	}

	queries, args, err := insertEngagementsSQL(table, rows)
	if err != nil {
		return fmt.Errorf("failed to build %s insert: %w", table, err)
	}
	for i, query := range queries {
		if _, err := tx.Exec(ctx, query, args[i]...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

func (r *Repository) insertEvents(ctx context.Context, tx pgx.Tx, events []domain.EventRecord, userIDs map[string]int64) (map[string]struct{}, error) {
	for _, ev := range events {
		if _, ok := userIDs[ev.UserExternalID]; !ok {
			return nil, fmt.Errorf("user %s of event %s was not resolved", ev.UserExternalID, ev.EventID)
		}
	}

	queries, args, err := insertEventsSQL(r.tables.events, events, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build event insert: %w", err)
	}

	inserted := make(map[string]struct{}, len(events))
	for i, query := range queries {
		rows, err := tx.Query(ctx, query, args[i]...)
		if err != nil {
			return nil, fmt.Errorf("failed to insert events: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("failed to insert events: %w", err)
		}
		for _, id := range ids {
			inserted[id] = struct{}{}
		}
	}
	return inserted, nil
}

type engagementIDs struct {
	top    []string
	bottom []string
}

func (r *Repository) deleteEngagements(ctx context.Context, tx pgx.Tx, ids engagementIDs) error {
	for table, list := range map[string][]string{r.tables.top: ids.top, r.tables.bottom: ids.bottom} {
		if len(list) == 0 {
			continue
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1::uuid[])", pgx.Identifier{table}.Sanitize())
		if _, err := tx.Exec(ctx, query, list); err != nil {
			return fmt.Errorf("failed to delete orphaned rows from %s: %w", table, err)
		}
	}
	return nil
}

// Ping checks if the Postgres connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Pool().Ping(ctx)
}

// Close closes the Postgres pool
func (r *Repository) Close() error {
	return r.client.Close()
}

type pendingRows struct {
	Events []domain.EventRecord
	Top    []domain.EngagementRecord
	Bottom []domain.EngagementRecord
}

// withoutExisting drops events already stored, together with the engagement
// rows their positional refs point at
func withoutExisting(batch *repository.Batch, existing map[string]storedRefs) pendingRows {
	if len(existing) == 0 {
		return pendingRows{Events: batch.Events, Top: batch.Top, Bottom: batch.Bottom}
	}

	var p pendingRows
	for i, ev := range batch.Events {
		if _, ok := existing[ev.EventID]; ok {
			continue
		}
		p.Events = append(p.Events, ev)
		if idx := refAt(batch.TopRef, i); idx >= 0 {
			p.Top = append(p.Top, batch.Top[idx])
		}
		if idx := refAt(batch.BottomRef, i); idx >= 0 {
			p.Bottom = append(p.Bottom, batch.Bottom[idx])
		}
	}
	return p
}

// storedFacts returns the batch events that are in the store, with the
// engagement ids of already existing events taken from their stored rows
func storedFacts(events []domain.EventRecord, existing map[string]storedRefs, inserted map[string]struct{}) []domain.EventRecord {
	facts := make([]domain.EventRecord, 0, len(events))
	for _, ev := range events {
		if refs, ok := existing[ev.EventID]; ok {
			ev.EngagementTopID = refs.top
			ev.EngagementBottomID = refs.bottom
			facts = append(facts, ev)
			continue
		}
		if _, ok := inserted[ev.EventID]; ok {
			facts = append(facts, ev)
		}
	}
	return facts
}

func orphanedEngagements(events []domain.EventRecord, inserted map[string]struct{}) engagementIDs {
	var ids engagementIDs
	for _, ev := range events {
		if _, ok := inserted[ev.EventID]; ok {
			continue
		}
		if ev.EngagementTopID != nil {
			ids.top = append(ids.top, ev.EngagementTopID.String())
		}
		if ev.EngagementBottomID != nil {
			ids.bottom = append(ids.bottom, ev.EngagementBottomID.String())
		}
	}
	return ids
}

func refAt(refs []int, i int) int {
	if i >= len(refs) {
		return -1
	}
	return refs[i]
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
