// Package rank keeps an in-memory leaderboard projection over user records.
// The index never sits on the write path: services commit through the
// gateway and push the records they already hold into the index afterwards,
// so a slow or contended leaderboard can never delay a grant or a transfer.
package rank

import (
	"sort"
	"sync"

	"chat-rewards-engine/internal/model"
)

// Order selects the leaderboard comparison.
type Order string

const (
	// ByBalance ranks the richest first, ties broken by level, then user id.
	ByBalance Order = "balance"
	// ByLevel ranks the highest level first, ties broken by xp, then user id.
	ByLevel Order = "level"
)

type entry struct {
	userID  string
	balance int64
	level   int
	xp      int64
}

// Index is the rank projection. Writes upsert and mark the index dirty;
// reads re-sort at most once per burst of writes. Reads always reflect every
// record observed before them.
type Index struct {
	order Order

	mu       sync.Mutex
	byUser   map[string]*entry
	sorted   []*entry
	position map[string]int
	dirty    bool
}

// NewIndex creates an empty index. Unknown orders fall back to ByBalance.
func NewIndex(order Order) *Index {
	if order != ByLevel {
		order = ByBalance
	}
	return &Index{
		order:    order,
		byUser:   make(map[string]*entry),
		position: make(map[string]int),
	}
}

// Order returns the comparison the index sorts by.
func (ix *Index) Order() Order {
	return ix.order
}

// ObserveUser upserts one user record into the index. It never fails and
// never blocks on anything but the index's own mutex.
func (ix *Index) ObserveUser(rec *model.UserRecord) {
	if rec == nil || rec.UserID == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.byUser[rec.UserID]
	if !ok {
		e = &entry{userID: rec.UserID}
		ix.byUser[rec.UserID] = e
	}
	e.balance = rec.Balance
	e.level = rec.Level
	e.xp = rec.XP
	ix.dirty = true
}

// Seed replaces the whole index with the given records, typically the
// gateway's user list at startup.
func (ix *Index) Seed(users []*model.UserRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.byUser = make(map[string]*entry, len(users))
	for _, rec := range users {
		if rec == nil || rec.UserID == "" {
			continue
		}
		ix.byUser[rec.UserID] = &entry{
			userID:  rec.UserID,
			balance: rec.Balance,
			level:   rec.Level,
			xp:      rec.XP,
		}
	}
	ix.dirty = true
}

// Top returns the best n entries with 1-based ranks. A non-positive n or an
// empty index yields an empty slice.
func (ix *Index) Top(n int) []*model.RankEntry {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.rebuild()

	if n <= 0 || len(ix.sorted) == 0 {
		return []*model.RankEntry{}
	}
	if n > len(ix.sorted) {
		n = len(ix.sorted)
	}

	out := make([]*model.RankEntry, 0, n)
	for i := 0; i < n; i++ {
		e := ix.sorted[i]
		out = append(out, &model.RankEntry{
			Rank:    i + 1,
			UserID:  e.userID,
			Balance: e.balance,
			Level:   e.level,
			XP:      e.xp,
		})
	}
	return out
}

// RankOf returns the user's 1-based rank, or false if the user was never
// observed.
func (ix *Index) RankOf(userID string) (int, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.rebuild()

	pos, ok := ix.position[userID]
	if !ok {
		return 0, false
	}
	return pos + 1, true
}

// Len returns the number of users in the index.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byUser)
}

// rebuild re-sorts the projection and recomputes positions. Caller holds the
// mutex.
func (ix *Index) rebuild() {
	if !ix.dirty {
		return
	}

	ix.sorted = ix.sorted[:0]
	for _, e := range ix.byUser {
		ix.sorted = append(ix.sorted, e)
	}

	less := ix.lessByBalance
	if ix.order == ByLevel {
		less = ix.lessByLevel
	}
	sort.Slice(ix.sorted, less)

	ix.position = make(map[string]int, len(ix.sorted))
	for i, e := range ix.sorted {
		ix.position[e.userID] = i
	}
	ix.dirty = false
}

func (ix *Index) lessByBalance(i, j int) bool {
	a, b := ix.sorted[i], ix.sorted[j]
	if a.balance != b.balance {
		return a.balance > b.balance
	}
	if a.level != b.level {
		return a.level > b.level
	}
	return a.userID < b.userID
}

func (ix *Index) lessByLevel(i, j int) bool {
	a, b := ix.sorted[i], ix.sorted[j]
	if a.level != b.level {
		return a.level > b.level
	}
	if a.xp != b.xp {
		return a.xp > b.xp
	}
	return a.userID < b.userID
}
