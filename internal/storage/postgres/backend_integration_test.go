//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/models"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/pkg/database"
)

// envTestDSN names a URL-form DSN of a database the tests may write to.
// Every test runs in its own schema which is dropped afterwards.
const envTestDSN = "ORGFORGE_TEST_DATABASE_URL"

func newTestBackend(t *testing.T) (*Backend, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv(envTestDSN)
	if dsn == "" {
		t.Skipf("%s not set", envTestDSN)
	}
	ctx := context.Background()

	admin, err := database.NewPostgresPool(ctx, dsn, database.PoolOptions{MaxConns: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schema := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	pool, err := database.NewPostgresPool(ctx, u.String(), database.PoolOptions{MaxConns: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	applied, err := database.Migrate(ctx, pool, nil)
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	return New(pool, nil), pool
}

func orgCreated(t *testing.T, orgID string, version int, name string) events.Event {
	t.Helper()
	ev, err := events.NewEvent(orgID, events.OrganizationCreated, version, events.OrganizationCreatedData{Name: name})
	require.NoError(t, err)
	return ev
}

func newStore(t *testing.T, b *Backend) *eventstore.Store {
	t.Helper()
	router, err := projection.NewRouter(nil, nil)
	require.NoError(t, err)
	return eventstore.New(b, router)
}

func TestMigrateIsIdempotent(t *testing.T) {
	_, pool := newTestBackend(t)
	again, err := database.Migrate(context.Background(), pool, nil)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	ev := orgCreated(t, "org-1", 1, "Acme")

	boom := fmt.Errorf("handler failed")
	err := b.WithTx(ctx, func(tx eventstore.Tx) error {
		require.NoError(t, tx.InsertEvent(ctx, ev))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = b.WithTx(ctx, func(tx eventstore.Tx) error {
		v, err := tx.MaxVersion(ctx, "org-1", events.StreamOrganization)
		require.NoError(t, err)
		assert.Equal(t, 0, v)
		got, err := tx.GetEvent(ctx, "org-1", events.StreamOrganization, 1)
		require.NoError(t, err)
		assert.Nil(t, got)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertEventMapsUniqueViolation(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WithTx(ctx, func(tx eventstore.Tx) error {
		return tx.InsertEvent(ctx, orgCreated(t, "org-1", 1, "Acme"))
	}))

	err := b.WithTx(ctx, func(tx eventstore.Tx) error {
		return tx.InsertEvent(ctx, orgCreated(t, "org-1", 1, "Globex"))
	})
	require.ErrorIs(t, err, eventstore.ErrDuplicateVersion)
	assert.True(t, isUniqueViolation(err))
}

func TestMarkProcessedStoresDiagnostic(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	clean := orgCreated(t, "org-1", 1, "Acme")
	noisy := orgCreated(t, "org-2", 1, "Globex")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.WithTx(ctx, func(tx eventstore.Tx) error {
		require.NoError(t, tx.InsertEvent(ctx, clean))
		require.NoError(t, tx.InsertEvent(ctx, noisy))
		require.NoError(t, tx.MarkProcessed(ctx, clean.ID, at, ""))
		return tx.MarkProcessed(ctx, noisy.ID, at, "parent org-0 missing")
	}))

	err := b.WithTx(ctx, func(tx eventstore.Tx) error {
		return tx.MarkProcessed(ctx, uuid.New(), at, "")
	})
	require.ErrorContains(t, err, "not found")

	require.NoError(t, b.WithTx(ctx, func(tx eventstore.Tx) error {
		got, err := tx.ListStream(ctx, "org-1", events.StreamOrganization)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.NotNil(t, got[0].ProcessedAt)
		assert.True(t, at.Equal(*got[0].ProcessedAt))
		assert.Empty(t, got[0].ProcessingError)

		got, err = tx.ListStream(ctx, "org-2", events.StreamOrganization)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "parent org-0 missing", got[0].ProcessingError)
		return nil
	}))
}

func TestStoreAppendProjectsAndRecordsFailures(t *testing.T) {
	b, pool := newTestBackend(t)
	ctx := events.WithMetadata(context.Background(), events.Metadata{ActorID: "op-1", CorrelationID: "req-7"})
	store := newStore(t, b)

	res, err := store.Append(ctx, orgCreated(t, "org-1", 1, "Acme"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.StreamVersion)

	org, err := b.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "Acme", org.Name)

	stream, err := store.LoadStream(ctx, "org-1", events.StreamOrganization)
	require.NoError(t, err)
	require.Len(t, stream, 1)
	assert.Equal(t, "req-7", stream[0].Metadata.CorrelationID)
	assert.NotNil(t, stream[0].ProcessedAt)

	_, err = store.Append(ctx, orgCreated(t, "org-1", 1, "Globex"))
	require.ErrorIs(t, err, eventstore.ErrConcurrentModification)

	name := "Ghost"
	ghost, err := events.NewEvent("org-9", events.OrganizationUpdated, 1, events.OrganizationUpdatedData{Name: &name})
	require.NoError(t, err)
	_, err = store.Append(ctx, ghost)
	require.Error(t, err)

	v, err := store.GetCurrentVersion(ctx, "org-9", events.StreamOrganization)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	var failures int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM event_processing_failures WHERE stream_id = $1`, "org-9").Scan(&failures))
	assert.Equal(t, 1, failures)
}

func TestPublicNameRoundTrip(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.WithTx(ctx, func(etx eventstore.Tx) error {
		return etx.PutPublicName(ctx, &models.PublicName{
			FQDN:           "acme.orgforge.dev",
			OrganizationID: "org-1",
			SagaID:         "saga-1",
			ClaimedAt:      &now,
			UpdatedAt:      now,
			LastVersion:    1,
		})
	}))

	got, err := b.GetPublicName(ctx, "acme.orgforge.dev")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, 1, got.LastVersion)

	require.NoError(t, b.WithTx(ctx, func(etx eventstore.Tx) error {
		got.OrganizationID = ""
		got.SagaID = ""
		got.ReleasedAt = &now
		got.LastVersion = 2
		return etx.PutPublicName(ctx, got)
	}))
	got, err = b.GetPublicName(ctx, "acme.orgforge.dev")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.OrganizationID)
	assert.NotNil(t, got.ReleasedAt)

	require.NoError(t, b.WithTx(ctx, func(etx eventstore.Tx) error {
		return etx.DeletePublicName(ctx, "acme.orgforge.dev")
	}))
	got, err = b.GetPublicName(ctx, "acme.orgforge.dev")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func newSagaRecord(key string) *provisioning.Saga {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &provisioning.Saga{
		ID:             provisioning.SagaID(key),
		IdempotencyKey: key,
		Attempt:        1,
		Status:         provisioning.StatusRunning,
		StepResults:    map[provisioning.Step]json.RawMessage{},
		Metadata:       events.Metadata{ActorID: "op-1", CorrelationID: "req-9"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateSagaRejectsDuplicate(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	saga := newSagaRecord("tenant-a")

	require.NoError(t, b.CreateSaga(ctx, saga))
	require.ErrorIs(t, b.CreateSaga(ctx, saga), provisioning.ErrSagaExists)

	got, err := b.GetSagaByKey(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, saga.ID, got.ID)
	assert.Equal(t, "req-9", got.Metadata.CorrelationID)

	_, err = b.GetSaga(ctx, uuid.New())
	require.ErrorIs(t, err, provisioning.ErrSagaNotFound)
}

func TestSaveSagaKeepsRequestedCancellation(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	saga := newSagaRecord("tenant-a")
	require.NoError(t, b.CreateSaga(ctx, saga))

	stale, err := b.GetSaga(ctx, saga.ID)
	require.NoError(t, err)
	require.False(t, stale.CancelRequested)

	cancelled, err := b.RequestCancel(ctx, saga.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)

	stale.StepIndex = 1
	require.NoError(t, b.SaveSaga(ctx, stale))

	got, err := b.GetSaga(ctx, saga.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested, "a save from a stale read keeps the cancellation")
	assert.Equal(t, 1, got.StepIndex)

	resumable, err := b.ListResumable(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 1)

	missing := newSagaRecord("tenant-b")
	require.ErrorIs(t, b.SaveSaga(ctx, missing), provisioning.ErrSagaNotFound)
}
