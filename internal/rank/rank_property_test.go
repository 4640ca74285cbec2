// Property-based tests for the rank index: for any set of observed users the
// leaderboard must be a permutation of them in strict comparator order, with
// contiguous 1-based ranks that RankOf agrees with.
package rank

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"chat-rewards-engine/internal/model"
)

func drawUsers(t *rapid.T) []*model.UserRecord {
	n := rapid.IntRange(0, 40).Draw(t, "numUsers")
	users := make([]*model.UserRecord, n)
	for i := 0; i < n; i++ {
		users[i] = &model.UserRecord{
			UserID:  fmt.Sprintf("user%03d", i),
			Balance: rapid.Int64Range(0, 1000).Draw(t, fmt.Sprintf("balance%d", i)),
			Level:   rapid.IntRange(0, 20).Draw(t, fmt.Sprintf("level%d", i)),
			XP:      rapid.Int64Range(0, 50000).Draw(t, fmt.Sprintf("xp%d", i)),
		}
	}
	return users
}

func inOrder(order Order, a, b *model.RankEntry) bool {
	switch order {
	case ByLevel:
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		if a.XP != b.XP {
			return a.XP > b.XP
		}
		return a.UserID < b.UserID
	default:
		if a.Balance != b.Balance {
			return a.Balance > b.Balance
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.UserID < b.UserID
	}
}

// TestTopOrderingProperty checks that Top returns every observed user exactly
// once, in strict comparator order, with ranks 1..n.
func TestTopOrderingProperty(t *testing.T) {
	for _, order := range []Order{ByBalance, ByLevel} {
		order := order
		t.Run(string(order), func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				users := drawUsers(t)

				ix := NewIndex(order)
				for _, u := range users {
					ix.ObserveUser(u)
				}

				top := ix.Top(len(users) + 5)
				if len(top) != len(users) {
					t.Fatalf("expected %d entries, got %d", len(users), len(top))
				}

				seen := make(map[string]bool, len(top))
				for i, e := range top {
					if e.Rank != i+1 {
						t.Fatalf("rank at position %d is %d", i, e.Rank)
					}
					if seen[e.UserID] {
						t.Fatalf("user %s appears twice", e.UserID)
					}
					seen[e.UserID] = true
					if i > 0 && !inOrder(order, top[i-1], e) {
						t.Fatalf("entries %d and %d out of order: %+v then %+v", i-1, i, top[i-1], e)
					}
				}
			})
		})
	}
}

// TestRankOfConsistencyProperty checks that RankOf agrees with the position
// in the full leaderboard for every user.
func TestRankOfConsistencyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		users := drawUsers(t)

		ix := NewIndex(ByBalance)
		ix.Seed(users)

		top := ix.Top(len(users))
		for _, e := range top {
			rank, ok := ix.RankOf(e.UserID)
			if !ok {
				t.Fatalf("user %s observed but has no rank", e.UserID)
			}
			if rank != e.Rank {
				t.Fatalf("user %s: RankOf says %d, leaderboard says %d", e.UserID, rank, e.Rank)
			}
		}
	})
}

// TestTopPrefixProperty checks that Top(k) is always the first k entries of
// the full leaderboard, matching how a paged leaderboard view behaves.
func TestTopPrefixProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		users := drawUsers(t)

		ix := NewIndex(ByBalance)
		ix.Seed(users)

		full := ix.Top(len(users))
		k := rapid.IntRange(0, len(users)).Draw(t, "k")

		prefix := ix.Top(k)
		if len(prefix) != k {
			t.Fatalf("expected %d entries, got %d", k, len(prefix))
		}
		for i := range prefix {
			if prefix[i].UserID != full[i].UserID {
				t.Fatalf("prefix diverges at %d: %s vs %s", i, prefix[i].UserID, full[i].UserID)
			}
		}
	})
}
