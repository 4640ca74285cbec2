// Package memory provides an in-process Gateway backed by maps. It is the
// storage engine used by tests and by embedders that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/model"
)

// Store implements gateway.Gateway in memory. All methods are safe for
// concurrent use; reads return defensive copies so callers can never alias
// store-owned state.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*model.UserRecord
	entries []*model.LedgerEntry
	byKey   map[string]*model.LedgerEntry
	nextID  int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:  make(map[string]*model.UserRecord),
		byKey:  make(map[string]*model.LedgerEntry),
		nextID: 1,
	}
}

// GetUser returns the record for userID, or gateway.ErrUserNotFound.
func (s *Store) GetUser(_ context.Context, userID string) (*model.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[userID]
	if !ok {
		return nil, gateway.ErrUserNotFound
	}
	return rec.Clone(), nil
}

// CreateUser inserts a zero-state record for userID.
func (s *Store) CreateUser(_ context.Context, userID string) (*model.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; ok {
		return nil, fmt.Errorf("user %s already exists", userID)
	}

	now := time.Now().UTC()
	rec := &model.UserRecord{
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[userID] = rec
	return rec.Clone(), nil
}

// ListUsers returns all user records ordered by userID ascending.
func (s *Store) ListUsers(_ context.Context) ([]*model.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*model.UserRecord, 0, len(s.users))
	for _, rec := range s.users {
		recs = append(recs, rec.Clone())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UserID < recs[j].UserID })
	return recs, nil
}

// Commit atomically applies the given mutations. Every mutation is validated
// before any state changes, so a failed commit leaves the store untouched.
func (s *Store) Commit(_ context.Context, muts ...gateway.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seenKeys := make(map[string]struct{})
	for _, mut := range muts {
		if mut.User == nil {
			return fmt.Errorf("mutation without user record")
		}
		stored, ok := s.users[mut.User.UserID]
		if !ok || stored.Version != mut.User.Version {
			return gateway.ErrConflict
		}
		for _, e := range mut.Entries {
			if e.IdempotencyKey == nil {
				continue
			}
			key := *e.IdempotencyKey
			if _, dup := s.byKey[key]; dup {
				return gateway.ErrDuplicateIdempotencyKey
			}
			if _, dup := seenKeys[key]; dup {
				return gateway.ErrDuplicateIdempotencyKey
			}
			seenKeys[key] = struct{}{}
		}
	}

	now := time.Now().UTC()
	for _, mut := range muts {
		stored := s.users[mut.User.UserID]
		updated := mut.User.Clone()
		updated.Version = stored.Version + 1
		updated.CreatedAt = stored.CreatedAt
		updated.UpdatedAt = now
		s.users[updated.UserID] = updated

		for _, e := range mut.Entries {
			entry := e.Clone()
			entry.ID = s.nextID
			s.nextID++
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = now
			}
			s.entries = append(s.entries, entry)
			if entry.IdempotencyKey != nil {
				s.byKey[*entry.IdempotencyKey] = entry
			}
		}
	}
	return nil
}

// EntryByIdempotencyKey returns the entry recorded under key.
func (s *Store) EntryByIdempotencyKey(_ context.Context, key string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byKey[key]
	if !ok {
		return nil, gateway.ErrEntryNotFound
	}
	return entry.Clone(), nil
}

// EntriesByUser returns up to limit entries for a user, newest first.
// A non-positive limit returns all of the user's entries.
func (s *Store) EntriesByUser(_ context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		out = append(out, s.entries[i].Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListEntries returns every ledger entry in append order.
func (s *Store) ListEntries(_ context.Context) ([]*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.LedgerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	return out, nil
}

// SumDeltas returns the sum of all entry deltas for a user.
func (s *Store) SumDeltas(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, e := range s.entries {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}
