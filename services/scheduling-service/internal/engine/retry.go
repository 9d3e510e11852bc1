package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
)

type RetryConfig struct {
	// Attempts counts the first try.
	Attempts uint
	Initial  time.Duration
	Max      time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.Initial <= 0 {
		c.Initial = 50 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = time.Second
	}
	return c
}

// retryTransient re-runs fn while it fails with a transient storage error.
func retryTransient[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max

	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !apperr.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("retrying transient storage error", "op", op, "err", err, "next_in_ms", next.Milliseconds())
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}
