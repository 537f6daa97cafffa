package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RunFunc performs one sync run for a mailbox
type RunFunc func(ctx context.Context, mailboxID string) (*RunReport, error)

// Runner polls one mailbox on a fixed interval
type Runner struct {
	MailboxID string
	Interval  time.Duration
	Run       RunFunc
	Logger    *slog.Logger
}

// Loop runs immediately and then on every tick until ctx is cancelled.
func (r *Runner) Loop(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mailbox", r.MailboxID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.tick(ctx, logger)
		select {
		case <-ctx.Done():
			logger.Info("stopping sync loop")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context, logger *slog.Logger) {
	_, err := r.Run(ctx, r.MailboxID)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrMailboxLocked):
		logger.Debug("mailbox locked by another run, skipping tick")
	default:
		logger.Warn("sync run failed", "error", err)
	}
}
