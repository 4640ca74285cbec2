package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds persistence calls at the storage boundary.
// ConflictRetries caps how many times a read-modify-commit cycle is re-run
// after ErrConflict; InitialBackoff and MaxAttempts govern exponential
// backoff on ErrUnavailable; CommitTimeout bounds each individual cycle.
type RetryPolicy struct {
	ConflictRetries int
	InitialBackoff  time.Duration
	MaxAttempts     int
	CommitTimeout   time.Duration
}

// DefaultRetryPolicy returns the policy used when a field is left unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ConflictRetries: 5,
		InitialBackoff:  100 * time.Millisecond,
		MaxAttempts:     4,
		CommitTimeout:   5 * time.Second,
	}
}

// CommitWithRetry runs a read-modify-commit cycle against the gateway.
// build reads current state and returns the mutations to commit; returning
// no mutations means the operation resolved without a write (for example an
// idempotent replay). On ErrConflict the whole cycle is re-run with fresh
// reads, up to ConflictRetries times. ErrUnavailable from reads or the
// commit is retried with exponential backoff within each cycle. Any other
// error aborts immediately and is returned as-is.
func CommitWithRetry(ctx context.Context, g Gateway, p RetryPolicy, build func(ctx context.Context) ([]Mutation, error)) error {
	retries := p.ConflictRetries
	if retries < 1 {
		retries = 1
	}

	var err error
	for i := 0; i < retries; i++ {
		err = commitOnce(ctx, g, p, build)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

func commitOnce(ctx context.Context, g Gateway, p RetryPolicy, build func(ctx context.Context) ([]Mutation, error)) error {
	op := func() error {
		cctx := ctx
		cancel := func() {}
		if p.CommitTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, p.CommitTimeout)
		}
		defer cancel()

		muts, err := build(cctx)
		if err != nil {
			return asRetryable(err)
		}
		if len(muts) == 0 {
			return nil
		}
		if err := g.Commit(cctx, muts...); err != nil {
			return asRetryable(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		bo.InitialInterval = p.InitialBackoff
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
}

// asRetryable keeps ErrUnavailable eligible for backoff and marks everything
// else permanent so business rejections and conflicts surface immediately.
func asRetryable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}
