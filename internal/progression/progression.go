// Package progression owns the XP and level state machine. It converts
// activity events into XP awards subject to a per-user cooldown, keeps the
// cached level consistent with the curve, and reports every level crossed so
// downstream reward rules tied to intermediate levels are never skipped.
package progression

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"chat-rewards-engine/internal/gateway"
	"chat-rewards-engine/internal/model"
	"chat-rewards-engine/internal/pkg/lock"
)

// ErrInvalidInput rejects malformed activity before any state is touched.
var ErrInvalidInput = errors.New("invalid activity input")

// Config holds XP award and cooldown configuration.
type Config struct {
	BaseXP        int64
	XPMultiplier  float64
	MaxXPPerEvent int64
	Cooldown      time.Duration
	ClockSkew     time.Duration
	Curve         Curve
}

// Result is the outcome of one processed activity event. Crossed lists every
// integer level gained, ascending; it is empty when no level changed.
// OnCooldown marks a silent no-op: nothing was committed and no XP awarded.
// User is the record as of this event, so callers can refresh caches without
// another read.
type Result struct {
	XPAwarded  int64
	OldLevel   int
	NewLevel   int
	LeveledUp  bool
	Crossed    []int
	OnCooldown bool
	User       *model.UserRecord
}

// Service applies activity events to user records. All updates run under the
// per-user lock and commit xp, level, cooldown stamp and activity count as
// one atomic unit.
type Service struct {
	gw    gateway.Gateway
	locks *lock.UserLock
	cfg   Config
	retry gateway.RetryPolicy
}

// NewService creates a progression service. Zero-value curve fields fall back
// to the default curve.
func NewService(gw gateway.Gateway, locks *lock.UserLock, cfg Config, retry gateway.RetryPolicy) *Service {
	if cfg.Curve.BaseThreshold <= 0 || cfg.Curve.Exponent <= 0 {
		cfg.Curve = DefaultCurve()
	}
	return &Service{gw: gw, locks: locks, cfg: cfg, retry: retry}
}

// Curve returns the level curve in effect.
func (s *Service) Curve() Curve {
	return s.cfg.Curve
}

// ProcessActivity awards XP for one activity event.
// Fails with ErrInvalidInput if the weight is not positive or the event
// timestamp regressed beyond the allowed clock skew. An event inside the
// cooldown window is absorbed: it returns Result.OnCooldown with no error
// and commits nothing.
func (s *Service) ProcessActivity(ctx context.Context, userID string, ts time.Time, weight int) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if weight <= 0 {
		return nil, fmt.Errorf("%w: activity weight must be positive, got %d", ErrInvalidInput, weight)
	}

	var res Result
	err := s.locks.WithLock(userID, func() error {
		return gateway.CommitWithRetry(ctx, s.gw, s.retry, func(cctx context.Context) ([]gateway.Mutation, error) {
			rec, _, err := gateway.GetOrCreate(cctx, s.gw, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to load user: %w", err)
			}

			res = Result{OldLevel: rec.Level, NewLevel: rec.Level}

			if rec.LastXPGrantAt != nil {
				since := ts.Sub(*rec.LastXPGrantAt)
				if since < -s.cfg.ClockSkew {
					return nil, fmt.Errorf("%w: activity timestamp regressed %s past the last grant", ErrInvalidInput, (-since).String())
				}
				if since < s.cfg.Cooldown {
					res.OnCooldown = true
					res.User = rec
					return nil, nil
				}
			}

			award := s.cfg.BaseXP + int64(math.Floor(float64(weight)*s.cfg.XPMultiplier))
			if s.cfg.MaxXPPerEvent > 0 && award > s.cfg.MaxXPPerEvent {
				award = s.cfg.MaxXPPerEvent
			}
			if award < 0 {
				award = 0
			}

			newXP := rec.XP + award
			newLevel := s.cfg.Curve.LevelForXP(newXP)

			res.XPAwarded = award
			res.NewLevel = newLevel
			res.LeveledUp = newLevel > rec.Level
			res.Crossed = nil
			for l := rec.Level + 1; l <= newLevel; l++ {
				res.Crossed = append(res.Crossed, l)
			}

			grantAt := ts
			updated := rec.Clone()
			updated.XP = newXP
			updated.Level = newLevel
			updated.ActivityCount++
			updated.LastXPGrantAt = &grantAt
			res.User = updated
			return []gateway.Mutation{{User: updated}}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// AdminSetLevel is the privileged absolute override: it bypasses cooldown
// and curve progression, sets the level and the matching threshold XP, and
// records a zero-delta audit entry in the ledger. It never emits level-up
// rewards. The caller is trusted to have authorized the action.
func (s *Service) AdminSetLevel(ctx context.Context, userID string, level int) (*model.UserRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if level < 0 {
		return nil, fmt.Errorf("%w: level must be non-negative, got %d", ErrInvalidInput, level)
	}

	var out *model.UserRecord
	err := s.locks.WithLock(userID, func() error {
		return gateway.CommitWithRetry(ctx, s.gw, s.retry, func(cctx context.Context) ([]gateway.Mutation, error) {
			rec, _, err := gateway.GetOrCreate(cctx, s.gw, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to load user: %w", err)
			}

			updated := rec.Clone()
			updated.XP = s.cfg.Curve.Threshold(level)
			updated.Level = level
			out = updated

			audit := &model.LedgerEntry{
				UserID: userID,
				Delta:  0,
				Reason: model.ReasonAdminSetLevel,
			}
			return []gateway.Mutation{{User: updated, Entries: []*model.LedgerEntry{audit}}}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
