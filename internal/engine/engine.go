// Package engine composes the progression, ledger, reward and rank pieces
// into the single facade the embedding platform talks to. Activity events
// flow through per-user-ordered shards; everything the engine commits is
// also pushed into the rank index, so leaderboard reads never touch storage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/ledger"
	"chat-rewards-engine/internal/model"
	"chat-rewards-engine/internal/pkg/lock"
	"chat-rewards-engine/internal/progression"
	"chat-rewards-engine/internal/rank"
	"chat-rewards-engine/internal/reward"
)

// ErrStopped rejects submissions after shutdown has begun.
var ErrStopped = errors.New("engine stopped")

// Options bundles the tuning for all engine components.
type Options struct {
	Progression  progression.Config
	Rewards      reward.Config
	RankOrder    rank.Order
	Retry        gateway.RetryPolicy
	Shards       int
	QueueSize    int
	NoticeBuffer int
}

// Engine is the facade over the reward platform core. Create with New,
// call Start before submitting events, Stop to drain and shut down.
type Engine struct {
	gw    gateway.Gateway
	locks *lock.UserLock
	prog  *progression.Service
	led   *ledger.Service
	disp  *reward.Dispatcher
	ranks *rank.Index

	shards  []chan model.ActivityEvent
	notices chan model.LevelUpNotice
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New wires an engine over the given gateway. The same per-user lock set
// backs every service, so in-process callers serialize before they ever
// reach the storage CAS.
func New(gw gateway.Gateway, opts Options) *Engine {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.NoticeBuffer < 1 {
		opts.NoticeBuffer = 16
	}

	e := &Engine{
		gw:      gw,
		locks:   lock.NewUserLock(),
		ranks:   rank.NewIndex(opts.RankOrder),
		notices: make(chan model.LevelUpNotice, opts.NoticeBuffer),
	}
	e.prog = progression.NewService(gw, e.locks, opts.Progression, opts.Retry)
	e.led = ledger.NewService(gw, e.locks, opts.Retry)
	e.disp = reward.NewDispatcher(e.led, opts.Rewards, e.ranks.ObserveUser)

	e.shards = make([]chan model.ActivityEvent, opts.Shards)
	for i := range e.shards {
		e.shards[i] = make(chan model.ActivityEvent, opts.QueueSize)
	}
	return e
}

// Start seeds the rank index from storage and launches the shard workers.
func (e *Engine) Start(ctx context.Context) error {
	users, err := e.gw.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed rank index: %w", err)
	}
	e.ranks.Seed(users)

	for i := range e.shards {
		e.wg.Add(1)
		go e.shardWorker(e.shards[i])
	}

	log.Info().
		Int("shards", len(e.shards)).
		Int("users", e.ranks.Len()).
		Str("rank_order", string(e.ranks.Order())).
		Msg("engine started")
	return nil
}

// Stop drains the shards, then the reward queue, then closes the notice
// stream. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for _, ch := range e.shards {
		close(ch)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.disp.Stop()
	close(e.notices)
	log.Info().Msg("engine stopped")
}

// Submit hands one activity event to its user's shard. Events for the same
// user always land on the same shard, which preserves per-user order without
// ordering unrelated users against each other. Blocks only when the shard is
// saturated.
func (e *Engine) Submit(ctx context.Context, ev model.ActivityEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("%w: empty user id", progression.ErrInvalidInput)
	}
	if ev.Weight <= 0 {
		return fmt.Errorf("%w: activity weight must be positive, got %d", progression.ErrInvalidInput, ev.Weight)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrStopped
	}

	select {
	case e.shards[e.shardFor(ev.UserID)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notices is the outbound level-up stream. The channel closes on Stop.
// A reader that falls behind loses notices rather than stalling the engine.
func (e *Engine) Notices() <-chan model.LevelUpNotice {
	return e.notices
}

func (e *Engine) shardFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Engine) shardWorker(shard chan model.ActivityEvent) {
	defer e.wg.Done()
	for ev := range shard {
		e.handleActivity(ev)
	}
}

func (e *Engine) handleActivity(ev model.ActivityEvent) {
	res, err := e.prog.ProcessActivity(context.Background(), ev.UserID, ev.Timestamp, ev.Weight)
	if err != nil {
		log.Warn().
			Err(err).
			Str("user_id", ev.UserID).
			Time("event_ts", ev.Timestamp).
			Msg("activity event rejected")
		return
	}

	if res.User != nil {
		e.ranks.ObserveUser(res.User)
	}
	if res.OnCooldown {
		return
	}

	for _, level := range res.Crossed {
		e.disp.OnLevelUp(ev.UserID, level)
	}
	if res.LeveledUp {
		e.publishNotice(model.LevelUpNotice{
			UserID:   ev.UserID,
			OldLevel: res.OldLevel,
			NewLevel: res.NewLevel,
		})
	}
}

func (e *Engine) publishNotice(n model.LevelUpNotice) {
	select {
	case e.notices <- n:
	default:
		log.Warn().
			Str("user_id", n.UserID).
			Int("old_level", n.OldLevel).
			Int("new_level", n.NewLevel).
			Msg("level-up notice dropped: consumer lagging")
	}
}

// GetProfile returns the combined read view for one user, creating the
// zero-state record on first contact.
func (e *Engine) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	if userID == "" {
		return nil, ledger.ErrEmptyUserID
	}

	rec, created, err := gateway.GetOrCreate(ctx, e.gw, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if created {
		e.ranks.ObserveUser(rec)
	}

	pos, _ := e.ranks.RankOf(userID)

	curve := e.prog.Curve()
	next := curve.Threshold(rec.Level + 1)
	toNext := next - rec.XP
	if toNext < 0 {
		toNext = 0
	}

	return &model.Profile{
		UserID:        rec.UserID,
		Balance:       rec.Balance,
		XP:            rec.XP,
		Level:         rec.Level,
		Rank:          pos,
		NextLevelXP:   next,
		XPToNext:      toNext,
		ActivityCount: rec.ActivityCount,
	}, nil
}

// GetLeaderboard returns the top n users in the configured rank order.
func (e *Engine) GetLeaderboard(n int) []*model.RankEntry {
	return e.ranks.Top(n)
}

// Transfer moves coins between two users and returns both new balances with
// the transfer reference.
func (e *Engine) Transfer(ctx context.Context, fromID, toID string, amount int64) (*ledger.TransferResult, error) {
	res, err := e.led.Transfer(ctx, fromID, toID, amount)
	if err != nil {
		return nil, err
	}
	e.ranks.ObserveUser(res.From)
	e.ranks.ObserveUser(res.To)
	return res, nil
}

// Entries returns a user's ledger history, newest first.
func (e *Engine) Entries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	return e.led.Entries(ctx, userID, limit)
}

// AdminCredit mints coins for a user. A non-empty idempotency key makes the
// grant safe to reissue.
func (e *Engine) AdminCredit(ctx context.Context, userID string, amount int64, idempotencyKey string) (int64, error) {
	rec, err := e.led.Credit(ctx, userID, amount, model.ReasonAdminGrant, idempotencyKey)
	if err != nil {
		return 0, err
	}
	e.ranks.ObserveUser(rec)
	return rec.Balance, nil
}

// AdminDebit removes coins from a user, never below zero.
func (e *Engine) AdminDebit(ctx context.Context, userID string, amount int64) (int64, error) {
	rec, err := e.led.Debit(ctx, userID, amount, model.ReasonAdminDeduct)
	if err != nil {
		return 0, err
	}
	e.ranks.ObserveUser(rec)
	return rec.Balance, nil
}

// AdminSetLevel force-sets a user's level. No level-up rewards or notices
// follow; the override is recorded as a zero-delta audit entry.
func (e *Engine) AdminSetLevel(ctx context.Context, userID string, level int) (*model.UserRecord, error) {
	rec, err := e.prog.AdminSetLevel(ctx, userID, level)
	if err != nil {
		return nil, err
	}
	e.ranks.ObserveUser(rec)
	return rec, nil
}

// OnRoleChange reports a user's current role set. Grants for newly rewarded
// roles are delivered asynchronously.
func (e *Engine) OnRoleChange(userID string, roleIDs []string) {
	e.disp.OnRoleChange(userID, roleIDs)
}
