// Package postgres implements the persistence gateway on PostgreSQL using
// pgx. Commits run inside a transaction with a compare-and-set on the user
// row version, and the ledger is an append-only table guarded by a partial
// unique index on the idempotency key.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/gateway/postgres/migrations"
	"chat-rewards-engine/internal/model"
)

const userColumns = "user_id, xp, level, balance, activity_count, last_xp_grant_at, version, created_at, updated_at"

const entryColumns = "id, user_id, delta, reason, counterparty_user_id, transfer_id, idempotency_key, created_at"

// Postgres implements gateway.Gateway on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a Postgres gateway on the given pool.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies the embedded schema migrations. It opens a short-lived
// database/sql connection for goose and closes it before returning.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// GetUser retrieves a user record by ID.
// Returns gateway.ErrUserNotFound if the user does not exist.
func (p *Postgres) GetUser(ctx context.Context, userID string) (*model.UserRecord, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE user_id = $1`

	rec, err := scanUser(p.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gateway.ErrUserNotFound
		}
		return nil, classify("failed to get user", err)
	}
	return rec, nil
}

// CreateUser inserts a fresh zero-state record for userID.
func (p *Postgres) CreateUser(ctx context.Context, userID string) (*model.UserRecord, error) {
	const query = `
		INSERT INTO users (user_id, xp, level, balance, activity_count, version, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, 1, NOW(), NOW())
		RETURNING ` + userColumns

	rec, err := scanUser(p.pool.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, classify("failed to create user", err)
	}
	return rec, nil
}

// ListUsers returns all user records ordered by userID ascending.
func (p *Postgres) ListUsers(ctx context.Context) ([]*model.UserRecord, error) {
	const query = `SELECT ` + userColumns + ` FROM users ORDER BY user_id ASC`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, classify("failed to list users", err)
	}
	defer rows.Close()

	var recs []*model.UserRecord
	for rows.Next() {
		rec, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("error iterating users", err)
	}
	return recs, nil
}

// Commit applies the given mutations in one database transaction. The user
// row update is guarded by WHERE version = expected; zero rows affected means
// another writer got there first and the whole transaction rolls back.
func (p *Postgres) Commit(ctx context.Context, muts ...gateway.Mutation) error {
	const updateQuery = `
		UPDATE users
		SET xp = $2, level = $3, balance = $4, activity_count = $5,
		    last_xp_grant_at = $6, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND version = $7
	`
	const insertQuery = `
		INSERT INTO ledger_entries (user_id, delta, reason, counterparty_user_id, transfer_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classify("failed to begin commit", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, mut := range muts {
		if mut.User == nil {
			return fmt.Errorf("mutation without user record")
		}
		u := mut.User
		tag, err := tx.Exec(ctx, updateQuery,
			u.UserID, u.XP, u.Level, u.Balance, u.ActivityCount, u.LastXPGrantAt, u.Version)
		if err != nil {
			return classify("failed to update user", err)
		}
		if tag.RowsAffected() == 0 {
			return gateway.ErrConflict
		}

		for _, e := range mut.Entries {
			_, err := tx.Exec(ctx, insertQuery,
				e.UserID, e.Delta, e.Reason, e.CounterpartyUserID, e.TransferID, e.IdempotencyKey)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" {
					return gateway.ErrDuplicateIdempotencyKey
				}
				return classify("failed to append ledger entry", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("failed to commit", err)
	}
	return nil
}

// EntryByIdempotencyKey returns the entry recorded under key.
// Returns gateway.ErrEntryNotFound if no entry carries the key.
func (p *Postgres) EntryByIdempotencyKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE idempotency_key = $1`

	entry, err := scanEntry(p.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gateway.ErrEntryNotFound
		}
		return nil, classify("failed to get ledger entry", err)
	}
	return entry, nil
}

// EntriesByUser returns up to limit entries for a user, newest first.
// A non-positive limit returns all of the user's entries.
func (p *Postgres) EntriesByUser(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`

	// LIMIT NULL means no limit
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := p.pool.Query(ctx, query, userID, lim)
	if err != nil {
		return nil, classify("failed to get ledger entries", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListEntries returns every ledger entry in append order.
func (p *Postgres) ListEntries(ctx context.Context) ([]*model.LedgerEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM ledger_entries ORDER BY id ASC`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, classify("failed to list ledger entries", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// SumDeltas returns the sum of all entry deltas for a user.
func (p *Postgres) SumDeltas(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = $1`

	var sum int64
	if err := p.pool.QueryRow(ctx, query, userID).Scan(&sum); err != nil {
		return 0, classify("failed to sum ledger deltas", err)
	}
	return sum, nil
}

func scanUser(row pgx.Row) (*model.UserRecord, error) {
	var rec model.UserRecord
	err := row.Scan(
		&rec.UserID,
		&rec.XP,
		&rec.Level,
		&rec.Balance,
		&rec.ActivityCount,
		&rec.LastXPGrantAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Delta,
		&e.Reason,
		&e.CounterpartyUserID,
		&e.TransferID,
		&e.IdempotencyKey,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*model.LedgerEntry, error) {
	var entries []*model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("error iterating ledger entries", err)
	}
	return entries, nil
}

// classify wraps storage errors, tagging timeouts and connection failures
// with gateway.ErrUnavailable so callers can retry them with backoff.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %v", op, gateway.ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") {
		return fmt.Errorf("%s: %w: %v", op, gateway.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
