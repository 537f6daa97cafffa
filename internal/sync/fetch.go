package sync

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// fetchPayload fetches one payload with per-call timeout and transient retries.
func (d *Driver) fetchPayload(ctx context.Context, ref MessageRef, opts Options) (*RawMessage, error) {
	var msg *RawMessage
	err := NewRetrier(opts.Retry, IsTransient, d.logger).Do(ctx, "fetch_payload", func(ctx context.Context) error {
		cctx, cancel := withTimeout(ctx, opts.PayloadTimeout)
		defer cancel()
		m, err := d.source.FetchPayload(cctx, ref)
		if err != nil {
			return timeoutAsTransient(ctx, "fetch payload", err)
		}
		msg = m
		return nil
	})
	return msg, err
}

// prefetchPayloads fills in missing payloads of MessageAdded events on a
// bounded worker pool. Failures stay on the event and surface during ingestion.
func (d *Driver) prefetchPayloads(ctx context.Context, events []ChangeEvent, opts Options) {
	var g errgroup.Group
	g.SetLimit(opts.PayloadWorkers)
	for i := range events {
		ev := &events[i]
		if ev.Kind != MessageAdded || ev.Payload != nil {
			continue
		}
		g.Go(func() error {
			ev.Payload, ev.fetchErr = d.fetchPayload(ctx, ev.ref(), opts)
			return nil
		})
	}
	_ = g.Wait()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutAsTransient classifies a per-call deadline as a transient provider error
// as long as the parent context is still alive.
func timeoutAsTransient(parent context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && !errors.Is(err, ErrTransientProvider) {
		return Transient(op, err)
	}
	return err
}
