package postgres

import (
	"sort"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

// insertChunkSize bounds rows per multi-row INSERT to stay well below the
// protocol's bind parameter limit
const insertChunkSize = 1000

var dialect = goqu.Dialect("postgres")

// upsertLocationSQL inserts a location or touches the existing row so that
// RETURNING yields its id either way. The stored values never change.
func upsertLocationSQL(table string, key domain.LocationKey) (string, []any, error) {
	return dialect.Insert(table).
		Rows(goqu.Record{"country": key.Country, "city": key.City}).
		OnConflict(goqu.DoUpdate("country, city", goqu.Record{"country": goqu.L("EXCLUDED.country")})).
		Returning("id").
		Prepared(true).
		ToSQL()
}

// upsertUserSQL creates the user or overwrites its attributes with the latest values
func upsertUserSQL(table string, user domain.UserRecord, locationID *int64) (string, []any, error) {
	row := goqu.Record{"user_id": user.ExternalID}
	update := goqu.Record{"updated_at": goqu.L("now()")}

	for col, v := range user.Attributes {
		row[col] = v
		update[col] = goqu.L("EXCLUDED." + col)
	}
	if locationID != nil {
		row["location_id"] = *locationID
		update["location_id"] = goqu.L("EXCLUDED.location_id")
	}

	return dialect.Insert(table).
		Rows(row).
		OnConflict(goqu.DoUpdate("user_id", update)).
		Returning("id").
		Prepared(true).
		ToSQL()
}

// insertEngagementsSQL builds one multi-row insert per chunk
func insertEngagementsSQL(table string, rows []domain.EngagementRecord) ([]string, [][]any, error) {
	records := make([]any, 0, len(rows))
	for _, row := range rows {
		rec := goqu.Record{"id": row.ID.String()}
		for col, v := range row.Attributes {
			rec[col] = v
		}
		records = append(records, rec)
	}
	return chunkedInsert(table, records, nil, "")
}

// insertEventsSQL inserts events, skipping existing event ids and returning
// the ids that were actually written
func insertEventsSQL(table string, events []domain.EventRecord, userIDs map[string]int64) ([]string, [][]any, error) {
	records := make([]any, 0, len(events))
	for _, ev := range events {
		records = append(records, goqu.Record{
			"event_id":             ev.EventID,
			"occurred_at":          ev.Timestamp,
			"funnel_stage":         string(ev.FunnelStage),
			"event_type":           ev.EventType,
			"user_id":              userIDs[ev.UserExternalID],
			"engagement_top_id":    uuidOrNil(ev.EngagementTopID),
			"engagement_bottom_id": uuidOrNil(ev.EngagementBottomID),
			"correlation_id":       stringOrNil(ev.CorrelationID),
		})
	}
	return chunkedInsert(table, records, goqu.DoNothing(), "event_id")
}

func chunkedInsert(table string, records []any, conflict exp.ConflictExpression, returning string) ([]string, [][]any, error) {
	var (
		queries []string
		args    [][]any
	)
	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}

		ds := dialect.Insert(table).Rows(records[start:end]...)
		if conflict != nil {
			ds = ds.OnConflict(conflict)
		}
		if returning != "" {
			ds = ds.Returning(returning)
		}

		query, queryArgs, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return nil, nil, err
		}
		queries = append(queries, query)
		args = append(args, queryArgs)
	}
	return queries, args, nil
}

// sortedLocations orders keys so concurrent batches lock rows in the same order
func sortedLocations(keys []domain.LocationKey) []domain.LocationKey {
	out := append([]domain.LocationKey(nil), keys...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Country != out[j].Country {
			return out[i].Country < out[j].Country
		}
		return out[i].City < out[j].City
	})
	return out
}

func sortedUsers(users []domain.UserRecord) []domain.UserRecord {
	out := append([]domain.UserRecord(nil), users...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
