// Package ledger is the single entry point for coin movement. Every balance
// change is committed together with a ledger entry describing it, so a user's
// balance always equals the sum of their entry deltas. Credits mint new
// coins, transfers conserve them, debits burn them.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/model"
	"chat-rewards-engine/internal/pkg/lock"
)

// Ledger-related errors.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount: must be positive")
	ErrSelfTransfer      = errors.New("cannot transfer to self")
	ErrUserNotFound      = errors.New("user not found")
	ErrEmptyUserID       = errors.New("user id must not be empty")
)

// Service moves coins between the mint, users, and the void. Each operation
// runs under the per-user lock and commits the balance change and its ledger
// entries as one atomic unit.
type Service struct {
	gw    gateway.Gateway
	locks *lock.UserLock
	retry gateway.RetryPolicy
}

// NewService creates a ledger service on top of the given gateway.
func NewService(gw gateway.Gateway, locks *lock.UserLock, retry gateway.RetryPolicy) *Service {
	return &Service{gw: gw, locks: locks, retry: retry}
}

// TransferResult reports both post-transfer records and the shared transfer
// reference stamped on the two ledger entries.
type TransferResult struct {
	From       *model.UserRecord
	To         *model.UserRecord
	TransferID string
}

// Credit mints coins for a user, creating the record on first contact.
// A non-empty idempotencyKey makes the grant replay-safe: if an entry with
// the same key already exists the call is a no-op and returns the user's
// current record unchanged.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, reason string, idempotencyKey string) (*model.UserRecord, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reason == "" {
		reason = model.ReasonReward
	}

	var out *model.UserRecord
	err := s.locks.WithLock(userID, func() error {
		return gateway.CommitWithRetry(ctx, s.gw, s.retry, func(cctx context.Context) ([]gateway.Mutation, error) {
			rec, _, err := gateway.GetOrCreate(cctx, s.gw, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to load user: %w", err)
			}

			if idempotencyKey != "" {
				_, err := s.gw.EntryByIdempotencyKey(cctx, idempotencyKey)
				if err == nil {
					out = rec
					return nil, nil
				}
				if !errors.Is(err, gateway.ErrEntryNotFound) {
					return nil, fmt.Errorf("failed to check idempotency key: %w", err)
				}
			}

			updated := rec.Clone()
			updated.Balance += amount

			entry := &model.LedgerEntry{
				UserID: userID,
				Delta:  amount,
				Reason: reason,
			}
			if idempotencyKey != "" {
				key := idempotencyKey
				entry.IdempotencyKey = &key
			}

			out = updated
			return []gateway.Mutation{{User: updated, Entries: []*model.LedgerEntry{entry}}}, nil
		})
	})
	if err != nil {
		// Another writer can land the same key between our check and the
		// commit. The grant already happened, so report the current state.
		if errors.Is(err, gateway.ErrDuplicateIdempotencyKey) {
			rec, gerr := s.gw.GetUser(ctx, userID)
			if gerr != nil {
				return nil, fmt.Errorf("failed to reload user after duplicate key: %w", gerr)
			}
			return rec, nil
		}
		return nil, err
	}
	return out, nil
}

// Debit removes coins from an existing user. It never drives a balance
// negative and, unlike Credit, never creates the user.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reason string) (*model.UserRecord, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reason == "" {
		reason = model.ReasonAdminDeduct
	}

	var out *model.UserRecord
	err := s.locks.WithLock(userID, func() error {
		return gateway.CommitWithRetry(ctx, s.gw, s.retry, func(cctx context.Context) ([]gateway.Mutation, error) {
			rec, err := s.gw.GetUser(cctx, userID)
			if err != nil {
				if errors.Is(err, gateway.ErrUserNotFound) {
					return nil, ErrUserNotFound
				}
				return nil, fmt.Errorf("failed to get user: %w", err)
			}
			if rec.Balance < amount {
				return nil, ErrInsufficientFunds
			}

			updated := rec.Clone()
			updated.Balance -= amount

			entry := &model.LedgerEntry{
				UserID: userID,
				Delta:  -amount,
				Reason: reason,
			}

			out = updated
			return []gateway.Mutation{{User: updated, Entries: []*model.LedgerEntry{entry}}}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transfer moves coins from one user to another. Both records and the two
// opposite-delta entries commit atomically; the entries share a fresh
// transfer reference and name each other's owner as counterparty. Both users
// must already exist.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount int64) (*TransferResult, error) {
	if fromID == "" || toID == "" {
		return nil, ErrEmptyUserID
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}

	var res *TransferResult
	err := s.locks.WithLockPair(fromID, toID, func() error {
		return gateway.CommitWithRetry(ctx, s.gw, s.retry, func(cctx context.Context) ([]gateway.Mutation, error) {
			sender, err := s.gw.GetUser(cctx, fromID)
			if err != nil {
				if errors.Is(err, gateway.ErrUserNotFound) {
					return nil, ErrUserNotFound
				}
				return nil, fmt.Errorf("failed to get sender: %w", err)
			}
			receiver, err := s.gw.GetUser(cctx, toID)
			if err != nil {
				if errors.Is(err, gateway.ErrUserNotFound) {
					return nil, ErrUserNotFound
				}
				return nil, fmt.Errorf("failed to get receiver: %w", err)
			}
			if sender.Balance < amount {
				return nil, ErrInsufficientFunds
			}

			transferID := uuid.NewString()

			fromUpd := sender.Clone()
			fromUpd.Balance -= amount
			toUpd := receiver.Clone()
			toUpd.Balance += amount

			debit := &model.LedgerEntry{
				UserID:             fromID,
				Delta:              -amount,
				Reason:             model.ReasonTransfer,
				CounterpartyUserID: &toID,
				TransferID:         &transferID,
			}
			credit := &model.LedgerEntry{
				UserID:             toID,
				Delta:              amount,
				Reason:             model.ReasonTransfer,
				CounterpartyUserID: &fromID,
				TransferID:         &transferID,
			}

			res = &TransferResult{From: fromUpd, To: toUpd, TransferID: transferID}
			return []gateway.Mutation{
				{User: fromUpd, Entries: []*model.LedgerEntry{debit}},
				{User: toUpd, Entries: []*model.LedgerEntry{credit}},
			}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Balance returns the user's current balance, creating the zero-state record
// on first contact.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}
	rec, _, err := gateway.GetOrCreate(ctx, s.gw, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	return rec.Balance, nil
}

// Entries returns the user's ledger history, newest first. A non-positive
// limit returns everything.
func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	entries, err := s.gw.EntriesByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}
