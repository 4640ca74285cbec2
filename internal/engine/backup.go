package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"chat-rewards-engine/internal/model"
)

// Backup is the JSON snapshot shape written by WriteBackup. Balances are
// redundant with the entry deltas on purpose: a snapshot that disagrees with
// its own ledger is evidence of a bug, so the backup keeps both.
type Backup struct {
	CreatedAt time.Time            `json:"created_at"`
	Users     []*model.UserRecord  `json:"users"`
	Entries   []*model.LedgerEntry `json:"entries"`
}

// WriteBackup writes a JSON snapshot of every user record and ledger entry.
// Commits that land while the snapshot is being read may or may not be
// included; each individual record is consistent.
func (e *Engine) WriteBackup(ctx context.Context, w io.Writer) error {
	users, err := e.gw.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	entries, err := e.gw.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Backup{CreatedAt: time.Now().UTC(), Users: users, Entries: entries}); err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	return nil
}
