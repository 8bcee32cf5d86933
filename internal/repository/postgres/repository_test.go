package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BarkinBalci/event-ingestion-service/internal/config"
	"github.com/BarkinBalci/event-ingestion-service/internal/consumer"
	"github.com/BarkinBalci/event-ingestion-service/internal/domain"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
	"github.com/BarkinBalci/event-ingestion-service/internal/repository/postgres"
)

// newTestRepository connects to TEST_POSTGRES_DSN and resets the source's tables
func newTestRepository(t *testing.T, source domain.Source) (*postgres.Client, *postgres.Repository) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	client, err := postgres.NewClient(ctx, config.Postgres{
		DSN:             dsn,
		MaxConns:        4,
		MinConns:        1,
		ConnMaxLifetime: time.Minute,
		ConnectAttempts: 1,
		ConnectDelay:    time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	for _, table := range []string{"events", "engagement_top", "engagement_bottom", "users", "locations"} {
		_, err := client.Pool().Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s_%s CASCADE", source, table))
		require.NoError(t, err)
	}

	repo := postgres.NewRepository(client, source, zap.NewNop())
	require.NoError(t, repo.InitSchema(ctx))
	// idempotent
	require.NoError(t, repo.InitSchema(ctx))

	t.Cleanup(func() { _ = repo.Close() })
	return client, repo
}

func batchOf(t *testing.T, source domain.Source, payloads ...string) *repository.Batch {
	t.Helper()

	envelopes := make([]*consumer.Envelope, 0, len(payloads))
	for _, p := range payloads {
		event, err := domain.DecodeEvent([]byte(p))
		require.NoError(t, err)
		normalized, err := domain.Normalize(event, "corr-test")
		require.NoError(t, err)
		envelopes = append(envelopes, consumer.NewEnvelope(nil, event, normalized))
	}
	return consumer.BuildBatch(source, envelopes)
}

func fbTop(eventID, userID, name, city string) string {
	return fmt.Sprintf(`{"eventId":%q,"timestamp":"2025-06-01T10:00:00Z","source":"facebook","funnelStage":"top","eventType":"ad.view",
		"data":{"user":{"userId":%q,"name":%q,"age":30,"gender":"male","location":{"country":"DE","city":%q}},
		"engagement":{"actionTime":"2025-06-01T09:59:00Z","referrer":"groups","videoId":"v1"}}}`, eventID, userID, name, city)
}

func fbBottom(eventID, userID, amount string) string {
	return fmt.Sprintf(`{"eventId":%q,"timestamp":"2025-06-01T10:00:00Z","source":"facebook","funnelStage":"bottom","eventType":"checkout.complete",
		"data":{"user":{"userId":%q,"name":"Bo","age":40,"gender":"non-binary","location":{"country":"FR","city":"Lyon"}},
		"engagement":{"adId":"a1","campaignId":"c1","clickPosition":"top_left","device":"desktop","browser":"Firefox","purchaseAmount":%q}}}`, eventID, userID, amount)
}

func count(t *testing.T, client *postgres.Client, table string) int {
	t.Helper()
	var n int
	require.NoError(t, client.Pool().QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func TestRepository_WriteBatch_SharedUserAndLocation(t *testing.T) {
	client, repo := newTestRepository(t, domain.SourceFacebook)
	ctx := context.Background()

	batch := batchOf(t, domain.SourceFacebook,
		fbTop("a1", "u1", "Ann", "Berlin"),
		fbTop("a2", "u1", "Annie", "Berlin"),
		fbTop("a3", "u2", "Carl", "Hamburg"),
	)

	result, err := repo.WriteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Events)
	assert.Equal(t, 3, result.Top)

	assert.Equal(t, 2, count(t, client, "facebook_locations"))
	assert.Equal(t, 2, count(t, client, "facebook_users"))
	assert.Equal(t, 3, count(t, client, "facebook_events"))
	assert.Equal(t, 3, count(t, client, "facebook_engagement_top"))

	var name string
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT name FROM facebook_users WHERE user_id = 'u1'").Scan(&name))
	assert.Equal(t, "Annie", name)
}

func TestRepository_WriteBatch_PurchaseAmountStoredAsNumber(t *testing.T) {
	client, repo := newTestRepository(t, domain.SourceFacebook)
	ctx := context.Background()

	_, err := repo.WriteBatch(ctx, batchOf(t, domain.SourceFacebook, fbBottom("b1", "u9", "99.5")))
	require.NoError(t, err)

	var amount float64
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT purchase_amount::float8 FROM facebook_engagement_bottom").Scan(&amount))
	assert.Equal(t, 99.5, amount)

	var gender string
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT gender FROM facebook_users WHERE user_id = 'u9'").Scan(&gender))
	assert.Equal(t, "non_binary", gender)
}

func TestRepository_WriteBatch_PurchaseAmountKeepsPrecision(t *testing.T) {
	client, repo := newTestRepository(t, domain.SourceFacebook)
	ctx := context.Background()

	_, err := repo.WriteBatch(ctx, batchOf(t, domain.SourceFacebook, fbBottom("b2", "u9", "1234567890123.125")))
	require.NoError(t, err)

	var amount string
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT purchase_amount::text FROM facebook_engagement_bottom").Scan(&amount))
	assert.Equal(t, "1234567890123.125", amount)
}

func TestRepository_WriteBatch_RedeliveryIsIdempotent(t *testing.T) {
	client, repo := newTestRepository(t, domain.SourceFacebook)
	ctx := context.Background()

	first, err := repo.WriteBatch(ctx, batchOf(t, domain.SourceFacebook, fbTop("c1", "u1", "Ann", "Berlin"), fbBottom("c2", "u2", "10")))
	require.NoError(t, err)
	require.Len(t, first.Facts, 2)

	var locationID int64
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT id FROM facebook_locations WHERE city = 'Berlin'").Scan(&locationID))

	// a redelivered batch is rebuilt with fresh engagement ids; the user
	// renamed in the meantime
	result, err := repo.WriteBatch(ctx, batchOf(t, domain.SourceFacebook, fbTop("c1", "u1", "Annie", "Berlin"), fbBottom("c2", "u2", "10")))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Events)
	assert.Equal(t, 2, result.SkippedEvents)

	assert.Equal(t, 2, count(t, client, "facebook_events"))
	assert.Equal(t, 1, count(t, client, "facebook_engagement_top"))
	assert.Equal(t, 1, count(t, client, "facebook_engagement_bottom"))
	assert.Equal(t, 2, count(t, client, "facebook_locations"))
	assert.Equal(t, 2, count(t, client, "facebook_users"))

	var (
		name           string
		userLocationID int64
		berlinID       int64
	)
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT name, location_id FROM facebook_users WHERE user_id = 'u1'").Scan(&name, &userLocationID))
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT id FROM facebook_locations WHERE city = 'Berlin'").Scan(&berlinID))
	assert.Equal(t, "Annie", name)
	assert.Equal(t, locationID, berlinID)
	assert.Equal(t, locationID, userLocationID)

	// skipped events report the engagement ids stored on first delivery
	require.Len(t, result.Facts, 2)
	assert.Equal(t, *first.Facts[0].EngagementTopID, *result.Facts[0].EngagementTopID)
	assert.Equal(t, *first.Facts[1].EngagementBottomID, *result.Facts[1].EngagementBottomID)
}

func assertEmpty(t *testing.T, client *postgres.Client, source domain.Source) {
	t.Helper()
	for _, table := range []string{"events", "engagement_top", "engagement_bottom", "users", "locations"} {
		assert.Equal(t, 0, count(t, client, fmt.Sprintf("%s_%s", source, table)), table)
	}
}

func TestRepository_WriteBatch_FactInsertFailureLeavesNoRows(t *testing.T) {
	client, repo := newTestRepository(t, domain.SourceFacebook)
	ctx := context.Background()

	batch := batchOf(t, domain.SourceFacebook,
		fbTop("d1", "u1", "Ann", "Berlin"),
		fbBottom("d2", "u2", "10"),
	)
	// both engagement ids set violates the events table check constraint,
	// after locations, users and engagement rows were already written
	batch.Events[0].EngagementBottomID = batch.Events[1].EngagementBottomID

	_, err := repo.WriteBatch(ctx, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrPermanent)

	assertEmpty(t, client, domain.SourceFacebook)
}

func TestRepository_WriteBatch_UserFailureRollsBackLocations(t *testing.T) {
	client, repo := newTestRepository(t, domain.SourceFacebook)
	ctx := context.Background()

	batch := batchOf(t, domain.SourceFacebook, fbTop("o0", "u1", "Ann", "Berlin"), fbTop("o1", "u9", "Old", "Bonn"))
	for i := range batch.Users {
		if batch.Users[i].ExternalID == "u9" {
			batch.Users[i].Attributes["gender"] = "unknown"
		}
	}

	_, err := repo.WriteBatch(ctx, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrPermanent)

	assertEmpty(t, client, domain.SourceFacebook)
}

func TestRepository_WriteBatch_Tiktok(t *testing.T) {
	client, repo := newTestRepository(t, domain.SourceTiktok)
	ctx := context.Background()

	payload := `{"eventId":"t1","timestamp":"2025-06-01T10:00:00Z","source":"tiktok","funnelStage":"bottom","eventType":"purchase",
		"data":{"user":{"userId":"tu","username":"neo","followers":5},
		"engagement":{"actionTime":"2025-06-01T09:00:00Z","profileId":null,"purchasedItem":"hat","purchaseAmount":""}}}`

	result, err := repo.WriteBatch(ctx, batchOf(t, domain.SourceTiktok, payload))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Events)
	assert.Equal(t, 1, result.Bottom)

	var amount *float64
	require.NoError(t, client.Pool().QueryRow(ctx, "SELECT purchase_amount::float8 FROM tiktok_engagement_bottom").Scan(&amount))
	assert.Nil(t, amount)
}

func TestRepository_WriteBatch_SourceMismatch(t *testing.T) {
	_, repo := newTestRepository(t, domain.SourceFacebook)

	_, err := repo.WriteBatch(context.Background(), &repository.Batch{Source: domain.SourceTiktok, Events: []domain.EventRecord{{EventID: "x"}}})
	assert.ErrorIs(t, err, domain.ErrSourceMismatch)
}
