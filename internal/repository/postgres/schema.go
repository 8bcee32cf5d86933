package postgres

import (
	"fmt"

	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
)

// tables names the per-source tables
type tables struct {
	locations string
	users     string
	top       string
	bottom    string
	events    string
}

func tablesFor(source domain.Source) tables {
	prefix := string(source)
	t := tables{
		users:  prefix + "_users",
		top:    prefix + "_engagement_top",
		bottom: prefix + "_engagement_bottom",
		events: prefix + "_events",
	}
	if source.HasLocation() {
		t.locations = prefix + "_locations"
	}
	return t
}

// schemaStatements returns the bootstrap DDL for one source, in dependency order
func schemaStatements(source domain.Source) ([]string, error) {
	t := tablesFor(source)

	var stmts []string
	switch source {
	case domain.SourceFacebook:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				country TEXT NOT NULL,
				city TEXT NOT NULL,
				UNIQUE (country, city)
			)`, t.locations),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				user_id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				age INTEGER NOT NULL,
				gender TEXT NOT NULL CHECK (gender IN ('male', 'female', 'non_binary')),
				location_id BIGINT NOT NULL REFERENCES %s (id),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, t.users, t.locations),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY,
				action_time TIMESTAMPTZ NOT NULL,
				referrer TEXT NOT NULL,
				video_id TEXT
			)`, t.top),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY,
				ad_id TEXT NOT NULL,
				campaign_id TEXT NOT NULL,
				click_position TEXT NOT NULL,
				device TEXT NOT NULL,
				browser TEXT NOT NULL,
				purchase_amount NUMERIC
			)`, t.bottom),
		}
	case domain.SourceTiktok:
		stmts = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				user_id TEXT NOT NULL UNIQUE,
				username TEXT NOT NULL,
				followers BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, t.users),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY,
				watch_time DOUBLE PRECISION NOT NULL,
				percentage_watched DOUBLE PRECISION NOT NULL,
				device TEXT NOT NULL,
				country TEXT NOT NULL,
				video_id TEXT NOT NULL
			)`, t.top),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY,
				action_time TIMESTAMPTZ NOT NULL,
				profile_id TEXT,
				purchased_item TEXT,
				purchase_amount NUMERIC
			)`, t.bottom),
		}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, source)
	}

	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			occurred_at TIMESTAMPTZ NOT NULL,
			funnel_stage TEXT NOT NULL CHECK (funnel_stage IN ('top', 'bottom')),
			event_type TEXT NOT NULL,
			user_id BIGINT NOT NULL REFERENCES %s (id),
			engagement_top_id UUID REFERENCES %s (id),
			engagement_bottom_id UUID REFERENCES %s (id),
			correlation_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (engagement_top_id IS NULL OR engagement_bottom_id IS NULL)
		)`, t.events, t.users, t.top, t.bottom),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_occurred_at_idx ON %s (occurred_at)`, t.events, t.events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_id_idx ON %s (user_id)`, t.events, t.events),
	)

	return stmts, nil
}
