// Package model defines the data models for the chat rewards engine.
package model

import "time"

// UserRecord is the persistent progression and balance state for one user.
// UserID is an opaque identifier assigned by the embedding platform; the
// engine never parses it. Version is the optimistic-concurrency token used
// by gateway commits: a commit only applies if the stored version still
// matches, and every successful commit increments it.
type UserRecord struct {
	UserID        string     `db:"user_id" json:"user_id"`
	XP            int64      `db:"xp" json:"xp"`
	Level         int        `db:"level" json:"level"`
	Balance       int64      `db:"balance" json:"balance"`
	ActivityCount int64      `db:"activity_count" json:"activity_count"`
	LastXPGrantAt *time.Time `db:"last_xp_grant_at" json:"last_xp_grant_at,omitempty"`
	Version       int64      `db:"version" json:"version"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely without
// aliasing gateway-owned state.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastXPGrantAt != nil {
		t := *u.LastXPGrantAt
		c.LastXPGrantAt = &t
	}
	return &c
}

// LedgerEntry is one signed balance movement in the append-only log.
// A transfer produces exactly two entries with opposite deltas sharing one
// TransferID. IdempotencyKey is set on reward credits so redelivered
// triggers collapse into a single grant.
type LedgerEntry struct {
	ID                 int64     `db:"id" json:"id"`
	UserID             string    `db:"user_id" json:"user_id"`
	Delta              int64     `db:"delta" json:"delta"`
	Reason             string    `db:"reason" json:"reason"`
	CounterpartyUserID *string   `db:"counterparty_user_id" json:"counterparty_user_id,omitempty"`
	TransferID         *string   `db:"transfer_id" json:"transfer_id,omitempty"`
	IdempotencyKey     *string   `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// Clone returns a deep copy of the entry.
func (e *LedgerEntry) Clone() *LedgerEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.CounterpartyUserID != nil {
		s := *e.CounterpartyUserID
		c.CounterpartyUserID = &s
	}
	if e.TransferID != nil {
		s := *e.TransferID
		c.TransferID = &s
	}
	if e.IdempotencyKey != nil {
		s := *e.IdempotencyKey
		c.IdempotencyKey = &s
	}
	return &c
}

// Ledger entry reasons for categorizing balance changes.
const (
	ReasonTransfer      = "transfer"        // User-to-user transfer leg
	ReasonReward        = "reward"          // Level-up or role reward credit
	ReasonAdminGrant    = "admin_grant"     // Admin added balance
	ReasonAdminDeduct   = "admin_deduct"    // Admin removed balance
	ReasonAdminSetLevel = "admin_set_level" // Zero-delta audit mark for a level override
)

// ActivityEvent is one inbound unit of user activity.
// Weight is a platform-defined measure of effort (for chat messages,
// typically derived from length); it scales the XP award.
type ActivityEvent struct {
	UserID    string
	Timestamp time.Time
	Weight    int
}

// LevelUpNotice announces a committed level transition to collaborators.
// One notice covers the whole transition even when several levels were
// crossed by a single event.
type LevelUpNotice struct {
	UserID   string `json:"user_id"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
}

// RankEntry is one leaderboard row produced by the rank index.
type RankEntry struct {
	Rank    int    `json:"rank"`
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Level   int    `json:"level"`
	XP      int64  `json:"xp"`
}

// Profile is the combined read view for a single user. Rank is the 1-based
// leaderboard position; NextLevelXP and XPToNext describe progress toward
// the next level threshold.
type Profile struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	XP            int64  `json:"xp"`
	Level         int    `json:"level"`
	Rank          int    `json:"rank"`
	NextLevelXP   int64  `json:"next_level_xp"`
	XPToNext      int64  `json:"xp_to_next"`
	ActivityCount int64  `json:"activity_count"`
}
