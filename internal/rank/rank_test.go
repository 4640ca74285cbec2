package rank

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-rewards-engine/internal/model"
)

func user(id string, balance int64, level int, xp int64) *model.UserRecord {
	return &model.UserRecord{UserID: id, Balance: balance, Level: level, XP: xp}
}

func TestIndex_Empty(t *testing.T) {
	ix := NewIndex(ByBalance)

	assert.Equal(t, 0, ix.Len())
	assert.Empty(t, ix.Top(10))

	_, ok := ix.RankOf("nobody")
	assert.False(t, ok)
}

func TestIndex_TopByBalance(t *testing.T) {
	ix := NewIndex(ByBalance)
	ix.ObserveUser(user("alice", 300, 2, 400))
	ix.ObserveUser(user("bob", 500, 1, 150))
	ix.ObserveUser(user("carol", 300, 4, 900))

	top := ix.Top(10)
	require.Len(t, top, 3)

	assert.Equal(t, "bob", top[0].UserID)
	// Equal balances: the higher level wins the tie.
	assert.Equal(t, "carol", top[1].UserID)
	assert.Equal(t, "alice", top[2].UserID)

	for i, e := range top {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestIndex_TopByLevel(t *testing.T) {
	ix := NewIndex(ByLevel)
	ix.ObserveUser(user("alice", 10, 3, 700))
	ix.ObserveUser(user("bob", 900, 3, 550))
	ix.ObserveUser(user("carol", 5, 5, 1200))

	top := ix.Top(10)
	require.Len(t, top, 3)

	assert.Equal(t, "carol", top[0].UserID)
	// Equal levels: the higher xp wins regardless of balance.
	assert.Equal(t, "alice", top[1].UserID)
	assert.Equal(t, "bob", top[2].UserID)
}

func TestIndex_EqualUsersOrderedByID(t *testing.T) {
	ix := NewIndex(ByBalance)
	ix.ObserveUser(user("zoe", 100, 1, 100))
	ix.ObserveUser(user("amy", 100, 1, 100))

	top := ix.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, "amy", top[0].UserID)
	assert.Equal(t, "zoe", top[1].UserID)
}

func TestIndex_TopLimit(t *testing.T) {
	ix := NewIndex(ByBalance)
	for i := 0; i < 5; i++ {
		ix.ObserveUser(user(fmt.Sprintf("u%d", i), int64(i*10), 0, 0))
	}

	assert.Len(t, ix.Top(3), 3)
	assert.Len(t, ix.Top(99), 5)
	assert.Empty(t, ix.Top(0))
	assert.Empty(t, ix.Top(-1))
}

func TestIndex_ObserveUpserts(t *testing.T) {
	ix := NewIndex(ByBalance)
	ix.ObserveUser(user("alice", 100, 1, 120))
	ix.ObserveUser(user("bob", 200, 1, 130))

	rankA, ok := ix.RankOf("alice")
	require.True(t, ok)
	assert.Equal(t, 2, rankA)

	// A later observation of the same user replaces the old one.
	ix.ObserveUser(user("alice", 999, 2, 300))
	assert.Equal(t, 2, ix.Len())

	rankA, ok = ix.RankOf("alice")
	require.True(t, ok)
	assert.Equal(t, 1, rankA)
}

func TestIndex_RankOfMatchesTop(t *testing.T) {
	ix := NewIndex(ByBalance)
	ix.ObserveUser(user("alice", 50, 0, 10))
	ix.ObserveUser(user("bob", 80, 0, 20))
	ix.ObserveUser(user("carol", 20, 0, 5))

	for _, e := range ix.Top(3) {
		rank, ok := ix.RankOf(e.UserID)
		require.True(t, ok)
		assert.Equal(t, e.Rank, rank)
	}
}

func TestIndex_SeedReplaces(t *testing.T) {
	ix := NewIndex(ByBalance)
	ix.ObserveUser(user("old", 1000, 9, 9000))

	ix.Seed([]*model.UserRecord{
		user("alice", 10, 0, 0),
		user("bob", 20, 0, 0),
	})

	assert.Equal(t, 2, ix.Len())
	_, ok := ix.RankOf("old")
	assert.False(t, ok)

	top := ix.Top(10)
	require.Len(t, top, 2)
	assert.Equal(t, "bob", top[0].UserID)
}

func TestIndex_IgnoresNilAndAnonymous(t *testing.T) {
	ix := NewIndex(ByBalance)
	ix.ObserveUser(nil)
	ix.ObserveUser(&model.UserRecord{Balance: 50})
	assert.Equal(t, 0, ix.Len())
}

func TestIndex_ConcurrentObserveAndRead(t *testing.T) {
	ix := NewIndex(ByBalance)

	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ix.ObserveUser(user(fmt.Sprintf("u%d-%d", w, i), int64(i), 0, int64(i)))
				if i%10 == 0 {
					ix.Top(5)
					ix.RankOf(fmt.Sprintf("u%d-0", w))
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, writers*perWriter, ix.Len())
	top := ix.Top(writers * perWriter)
	assert.Len(t, top, writers*perWriter)
}
