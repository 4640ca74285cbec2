// Integration tests for the postgres gateway. They spin up a PostgreSQL
// container via testcontainers-go and run the embedded goose migrations,
// so the real schema and CAS paths are exercised end to end.
package postgres

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/model"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container, applies the embedded
// migrations and returns a ready gateway.
// Skips the test if Docker is not available
func setupTestDB(t *testing.T) (*Postgres, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return New(pool), cleanup
}

func strPtr(s string) *string { return &s }

func TestPostgres_CreateAndGetUser(t *testing.T) {
	gw, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	_, err := gw.GetUser(ctx, "alice")
	assert.ErrorIs(t, err, gateway.ErrUserNotFound)

	rec, err := gw.CreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.UserID)
	assert.Equal(t, int64(0), rec.XP)
	assert.Equal(t, 0, rec.Level)
	assert.Equal(t, int64(0), rec.Balance)
	assert.Equal(t, int64(1), rec.Version)
	assert.Nil(t, rec.LastXPGrantAt)
	assert.False(t, rec.CreatedAt.IsZero())

	// Duplicate create fails, GetOrCreate falls back to the existing row
	_, err = gw.CreateUser(ctx, "alice")
	assert.Error(t, err)

	got, created, err := gateway.GetOrCreate(ctx, gw, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", got.UserID)
}

func TestPostgres_CommitUpdatesUser(t *testing.T) {
	gw, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	rec, err := gw.CreateUser(ctx, "alice")
	require.NoError(t, err)

	grantAt := time.Now().UTC().Truncate(time.Second)
	rec.XP = 150
	rec.Level = 1
	rec.Balance = 50
	rec.ActivityCount = 1
	rec.LastXPGrantAt = &grantAt
	err = gw.Commit(ctx, gateway.Mutation{
		User: rec,
		Entries: []*model.LedgerEntry{
			{UserID: "alice", Delta: 50, Reason: model.ReasonReward, IdempotencyKey: strPtr("levelup:alice:1")},
		},
	})
	require.NoError(t, err)

	got, err := gw.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.XP)
	assert.Equal(t, 1, got.Level)
	assert.Equal(t, int64(50), got.Balance)
	assert.Equal(t, int64(1), got.ActivityCount)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.LastXPGrantAt)
	assert.WithinDuration(t, grantAt, *got.LastXPGrantAt, time.Second)
}

func TestPostgres_CommitVersionConflict(t *testing.T) {
	gw, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	rec, err := gw.CreateUser(ctx, "alice")
	require.NoError(t, err)

	first := rec.Clone()
	first.Balance = 100
	require.NoError(t, gw.Commit(ctx, gateway.Mutation{User: first}))

	stale := rec.Clone()
	stale.Balance = 999
	err = gw.Commit(ctx, gateway.Mutation{User: stale})
	assert.ErrorIs(t, err, gateway.ErrConflict)

	got, err := gw.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, int64(2), got.Version)
}

func TestPostgres_TwoUserCommitIsAtomic(t *testing.T) {
	gw, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	alice, err := gw.CreateUser(ctx, "alice")
	require.NoError(t, err)
	bob, err := gw.CreateUser(ctx, "bob")
	require.NoError(t, err)

	// Stale version on the second mutation rolls back the first as well
	alice.Balance = 50
	bob.Balance = 50
	bob.Version = 42
	transferID := strPtr("t-1")
	err = gw.Commit(ctx,
		gateway.Mutation{User: alice, Entries: []*model.LedgerEntry{
			{UserID: "alice", Delta: -50, Reason: model.ReasonTransfer, CounterpartyUserID: strPtr("bob"), TransferID: transferID},
		}},
		gateway.Mutation{User: bob, Entries: []*model.LedgerEntry{
			{UserID: "bob", Delta: 50, Reason: model.ReasonTransfer, CounterpartyUserID: strPtr("alice"), TransferID: transferID},
		}},
	)
	assert.ErrorIs(t, err, gateway.ErrConflict)

	gotAlice, err := gw.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gotAlice.Balance)
	assert.Equal(t, int64(1), gotAlice.Version)

	entries, err := gw.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostgres_DuplicateIdempotencyKeyRollsBack(t *testing.T) {
	gw, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	rec, err := gw.CreateUser(ctx, "alice")
	require.NoError(t, err)

	rec.Balance = 25
	require.NoError(t, gw.Commit(ctx, gateway.Mutation{
		User: rec,
		Entries: []*model.LedgerEntry{
			{UserID: "alice", Delta: 25, Reason: model.ReasonReward, IdempotencyKey: strPtr("role:alice:mod")},
		},
	}))

	rec, err = gw.GetUser(ctx, "alice")
	require.NoError(t, err)
	rec.Balance = 50
	err = gw.Commit(ctx, gateway.Mutation{
		User: rec,
		Entries: []*model.LedgerEntry{
			{UserID: "alice", Delta: 25, Reason: model.ReasonReward, IdempotencyKey: strPtr("role:alice:mod")},
		},
	})
	assert.ErrorIs(t, err, gateway.ErrDuplicateIdempotencyKey)

	// The user update in the failed commit must not stick either
	got, err := gw.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Balance)

	entry, err := gw.EntryByIdempotencyKey(ctx, "role:alice:mod")
	require.NoError(t, err)
	assert.Equal(t, int64(25), entry.Delta)

	_, err = gw.EntryByIdempotencyKey(ctx, "role:alice:admin")
	assert.ErrorIs(t, err, gateway.ErrEntryNotFound)
}

func TestPostgres_EntriesByUserAndSum(t *testing.T) {
	gw, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	rec, err := gw.CreateUser(ctx, "alice")
	require.NoError(t, err)

	for _, delta := range []int64{100, -40, 25} {
		rec.Balance += delta
		require.NoError(t, gw.Commit(ctx, gateway.Mutation{
			User:    rec,
			Entries: []*model.LedgerEntry{{UserID: "alice", Delta: delta, Reason: model.ReasonAdminGrant}},
		}))
		rec, err = gw.GetUser(ctx, "alice")
		require.NoError(t, err)
	}

	entries, err := gw.EntriesByUser(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(25), entries[0].Delta)
	assert.Equal(t, int64(-40), entries[1].Delta)

	all, err := gw.EntriesByUser(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sum, err := gw.SumDeltas(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(85), sum)
	assert.Equal(t, rec.Balance, sum)
}

func TestPostgres_ListUsersSorted(t *testing.T) {
	gw, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	for _, id := range []string{"carol", "alice", "bob"} {
		_, err := gw.CreateUser(ctx, id)
		require.NoError(t, err)
	}

	users, err := gw.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "alice", users[0].UserID)
	assert.Equal(t, "bob", users[1].UserID)
	assert.Equal(t, "carol", users[2].UserID)
}
