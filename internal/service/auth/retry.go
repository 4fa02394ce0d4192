package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
)

const (
	defaultStoreRetries   = 2
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = time.Second
)

// Errors that describe data, not the store health. Retrying them changes nothing
var permanentErrors = []error{
	apperrors.ErrAccountNotFound,
	apperrors.ErrAccountExists,
	apperrors.ErrSessionNotFound,
	apperrors.ErrSessionRevoked,
	apperrors.ErrRefreshMismatch,
	apperrors.ErrTokenExpired,
	apperrors.ErrTokenInvalid,
	context.Canceled,
	context.DeadlineExceeded,
}

func isPermanent(err error) bool {
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// withRetry runs op until it succeeds, returns a permanent error or retries are exhausted
// Exhausted transient errors are reported as ErrStoreUnavailable
func (s *AuthService) withRetry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			err := op()
			if err != nil && isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.StoreRetries)), ctx),
		func(err error, next time.Duration) {
			s.log.Debug("Store call failed, retrying", "op", name, "attempt", attempt, "next_in", next, "error", err)
		},
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Gave up waiting on the store
	case isPermanent(err), errors.Is(err, apperrors.ErrStoreUnavailable):
		return err
	}
	return fmt.Errorf("%w: %s: %w", apperrors.ErrStoreUnavailable, name, err)
}
