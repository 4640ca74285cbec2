// Package gateway defines the persistence boundary for the rewards engine.
// Core services depend only on the Gateway interface; the memory and
// postgres subpackages provide the storage engines behind it.
package gateway

import (
	"context"
	"errors"

	"chat-rewards-engine/internal/model"
)

// Common errors for gateway operations.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrConflict reports that a committed record version no longer matches
	// the version the caller read. The whole commit is rolled back; callers
	// re-read and retry.
	ErrConflict = errors.New("version conflict")

	// ErrDuplicateIdempotencyKey reports that a ledger entry with the same
	// idempotency key already exists. The whole commit is rolled back.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrUnavailable reports a transient storage failure. The operation did
	// not commit and is safe to retry.
	ErrUnavailable = errors.New("storage unavailable")
)

// Mutation is one user's pending state change inside a commit. User carries
// the desired field values with Version set to the version the caller read;
// the commit applies only if the stored version still matches. Entries are
// appended to the ledger in the same atomic unit.
type Mutation struct {
	User    *model.UserRecord
	Entries []*model.LedgerEntry
}

// Gateway is the durable storage contract. A commit of one or two mutations
// is all-or-nothing: either every record update and ledger append applies,
// or none do. Ledger entries are append-only and never mutated after commit.
type Gateway interface {
	// GetUser returns the record for userID, or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*model.UserRecord, error)

	// CreateUser inserts a fresh zero-state record for userID and returns it.
	// Fails if the user already exists.
	CreateUser(ctx context.Context, userID string) (*model.UserRecord, error)

	// ListUsers returns all user records ordered by userID ascending.
	ListUsers(ctx context.Context) ([]*model.UserRecord, error)

	// Commit atomically applies the given mutations. Each mutation's user
	// update is guarded by a compare-and-set on Version; a mismatch fails
	// the whole commit with ErrConflict. An idempotency key collision fails
	// it with ErrDuplicateIdempotencyKey.
	Commit(ctx context.Context, muts ...Mutation) error

	// EntryByIdempotencyKey returns the entry recorded under key, or
	// ErrEntryNotFound.
	EntryByIdempotencyKey(ctx context.Context, key string) (*model.LedgerEntry, error)

	// EntriesByUser returns up to limit entries for a user, newest first.
	EntriesByUser(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error)

	// ListEntries returns every ledger entry in append order.
	ListEntries(ctx context.Context) ([]*model.LedgerEntry, error)

	// SumDeltas returns the sum of all entry deltas for a user. Used by
	// audit checks; for a consistent store it equals the user's balance.
	SumDeltas(ctx context.Context, userID string) (int64, error)
}

// GetOrCreate retrieves a user record, creating the zero-state record if none
// exists yet. Returns the record and whether it was newly created. A create
// that loses a race with a concurrent insert falls back to re-reading.
func GetOrCreate(ctx context.Context, g Gateway, userID string) (*model.UserRecord, bool, error) {
	rec, err := g.GetUser(ctx, userID)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	rec, err = g.CreateUser(ctx, userID)
	if err != nil {
		// Another request might have created the user first
		rec, err = g.GetUser(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		return rec, false, nil
	}

	return rec, true, nil
}
