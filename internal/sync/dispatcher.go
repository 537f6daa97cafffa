package sync

import (
	"context"
	"log/slog"
	"time"
)

// OutboxMessage is a pending outbox row
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// OutboxStore is the read side of the outbox
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher delivers outbox messages; msgID is used for broker-side dedup.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves committed outbox rows to the message broker
type Dispatcher struct {
	store     OutboxStore
	publisher Publisher
	batchSize int
	idle      time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates an outbox dispatcher
func NewDispatcher(store OutboxStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		batchSize: 100,
		idle:      500 * time.Millisecond,
		logger:    logger,
	}
}

// WithIdle sets how long Run waits after an empty batch
func (d *Dispatcher) WithIdle(idle time.Duration) *Dispatcher {
	if idle > 0 {
		d.idle = idle
	}
	return d
}

// Run dispatches until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("dequeue outbox failed", "error", err)
		}
		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n == 0:
			wait = d.idle
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows it handled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			outboxPublishedTotal.WithLabelValues("error").Inc()
			wait := retryBackoff(msg.Retries)
			d.logger.Warn("publish failed", "outbox_id", msg.ID, "subject", msg.Subject, "retry_in", wait, "error", err)
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, wait); err != nil {
				d.logger.Error("mark outbox retry failed", "outbox_id", msg.ID, "error", err)
			}
			continue
		}
		outboxPublishedTotal.WithLabelValues("ok").Inc()
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("mark published failed", "outbox_id", msg.ID, "error", err)
		}
	}
	return len(messages), nil
}

// retryBackoff doubles from 10s per previous failure, capped at 10m.
func retryBackoff(retries int) time.Duration {
	wait := 10 * time.Second
	for i := 0; i < retries && wait < 10*time.Minute; i++ {
		wait *= 2
	}
	return min(wait, 10*time.Minute)
}
