// Package reward turns level-ups and role changes into one-time coin grants.
// Delivery is asynchronous: triggers enqueue onto a bounded queue drained by
// worker goroutines, so reward payout never sits on the activity hot path.
// Every grant carries a deterministic idempotency key, which makes redelivery
// and retry safe: a level or a role is paid at most once per user, ever.
package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/model"
)

// Creditor is the slice of the ledger the dispatcher needs.
type Creditor interface {
	Credit(ctx context.Context, userID string, amount int64, reason string, idempotencyKey string) (*model.UserRecord, error)
}

// Config holds reward amounts and delivery tuning.
type Config struct {
	LevelBonusBase      int64
	RoleRewards         map[string]int64
	RoleDefaultAmount   int64
	Workers             int
	QueueSize           int
	RetryInitialBackoff time.Duration
	RetryMaxAttempts    int
}

type grant struct {
	userID string
	amount int64
	key    string
	kind   string
}

// Dispatcher delivers grants in the background. Triggers may block briefly
// when the queue is full; they never drop a grant while the dispatcher is
// running.
type Dispatcher struct {
	creditor Creditor
	cfg      Config
	observe  func(*model.UserRecord)

	queue chan grant
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a dispatcher and starts its workers. observe, if
// non-nil, receives the post-grant record of every delivered reward.
func NewDispatcher(creditor Creditor, cfg Config, observe func(*model.UserRecord)) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}

	d := &Dispatcher{
		creditor: creditor,
		cfg:      cfg,
		observe:  observe,
		queue:    make(chan grant, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// OnLevelUp queues the bonus for one freshly reached level. Redelivering the
// same level is harmless: the idempotency key collapses duplicates.
func (d *Dispatcher) OnLevelUp(userID string, newLevel int) {
	if userID == "" || newLevel <= 0 {
		return
	}
	amount := d.levelBonus(newLevel)
	if amount <= 0 {
		return
	}
	d.enqueue(grant{
		userID: userID,
		amount: amount,
		key:    fmt.Sprintf("levelup:%s:%d", userID, newLevel),
		kind:   "levelup",
	})
}

// OnRoleChange queues a grant for every currently held role that has a
// configured amount. Roles already paid out are collapsed by their key, and
// removed roles are never reclaimed.
func (d *Dispatcher) OnRoleChange(userID string, roleIDs []string) {
	if userID == "" {
		return
	}
	for _, roleID := range roleIDs {
		if roleID == "" {
			continue
		}
		amount, ok := d.cfg.RoleRewards[roleID]
		if !ok {
			amount = d.cfg.RoleDefaultAmount
		}
		if amount <= 0 {
			continue
		}
		d.enqueue(grant{
			userID: userID,
			amount: amount,
			key:    fmt.Sprintf("role:%s:%s", userID, roleID),
			kind:   "role",
		})
	}
}

// Stop waits for queued grants to be delivered and shuts the workers down.
// Further triggers are dropped with a warning.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) enqueue(g grant) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		log.Warn().
			Str("user_id", g.userID).
			Str("idempotency_key", g.key).
			Msg("reward dropped: dispatcher stopped")
		return
	}
	d.queue <- g
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for g := range d.queue {
		d.deliver(g)
	}
}

// deliver credits one grant, retrying transient storage failures with the
// same idempotency key. Exhausted or rejected grants are logged so an
// operator can replay them by hand; the key keeps a manual replay safe too.
func (d *Dispatcher) deliver(g grant) {
	op := func() error {
		rec, err := d.creditor.Credit(context.Background(), g.userID, g.amount, model.ReasonReward, g.key)
		if err != nil {
			if errors.Is(err, gateway.ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		if d.observe != nil && rec != nil {
			d.observe(rec)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if d.cfg.RetryInitialBackoff > 0 {
		bo.InitialInterval = d.cfg.RetryInitialBackoff
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(d.cfg.RetryMaxAttempts-1))); err != nil {
		log.Warn().
			Err(err).
			Str("kind", g.kind).
			Str("user_id", g.userID).
			Str("idempotency_key", g.key).
			Int64("amount", g.amount).
			Msg("unresolved reward abandoned")
	}
}

func (d *Dispatcher) levelBonus(level int) int64 {
	base := d.cfg.LevelBonusBase
	switch {
	case level%10 == 0:
		return base * 3
	case level%5 == 0:
		return base * 2
	default:
		return base
	}
}
