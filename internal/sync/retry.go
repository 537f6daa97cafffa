package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds exponential backoff retries
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	return p
}

// Retrier runs operations under a RetryPolicy
type Retrier struct {
	policy    RetryPolicy
	retryable func(error) bool
	logger    *slog.Logger
}

// NewRetrier creates a Retrier. A nil retryable retries every error.
func NewRetrier(p RetryPolicy, retryable func(error) bool, logger *slog.Logger) *Retrier {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: p.withDefaults(), retryable: retryable, logger: logger}
}

// Do runs op until it succeeds, fails permanently, the attempts run out or ctx is done.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, wait time.Duration) {
		retriesTotal.WithLabelValues(op).Inc()
		r.logger.Warn("retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
}
