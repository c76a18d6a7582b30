package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy retries an operation a bounded number of times with a fixed
// pause between attempts.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
}

var (
	DefaultRetryPolicy        = RetryPolicy{MaxRetries: 10, Interval: 10 * time.Second}
	DefaultSessionRetryPolicy = RetryPolicy{MaxRetries: 10, Interval: 60 * time.Second}
)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, or MaxRetries
// retries have been spent. Exhaustion is logged at fatal level and returned
// as an *Error of the given kind; the process keeps running.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, kind ErrorKind, what string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug().Str("op", what).Int("attempt", attempt).Dur("interval", p.Interval).Msg("retrying")
			select {
			case <-ctx.Done():
				return newError(kind, "", fmt.Errorf("%s: %w", what, ctx.Err()))
			case <-time.After(p.Interval):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		logger.Error().Err(err).Str("op", what).Int("attempt", attempt).Msg("attempt failed")

		var perm *permanentError
		if errors.As(err, &perm) {
			return newError(kind, "", fmt.Errorf("%s: %w", what, perm.err))
		}
	}
	logger.WithLevel(zerolog.FatalLevel).Err(err).Str("op", what).Int("retries", p.MaxRetries).Msg("giving up")
	return newError(kind, "", fmt.Errorf("%s: retries exhausted: %w", what, err))
}
