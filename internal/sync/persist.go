package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OutboxEntry is a notification written in the same transaction as its mutation
type OutboxEntry struct {
	EventID   string
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
	CreatedAt time.Time
}

// CommitResult describes a successful Persist call
type CommitResult struct {
	Committed int
	Batches   int
}

// BatchPersister writes staged mutations in bounded transactions
type BatchPersister struct {
	store         MessageStore
	batchSize     int
	commitTimeout time.Duration
	retrier       *Retrier
	logger        *slog.Logger
}

// NewBatchPersister creates a persister. Every failed transaction is retried.
func NewBatchPersister(store MessageStore, batchSize int, commitTimeout time.Duration, retry RetryPolicy, logger *slog.Logger) *BatchPersister {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchPersister{
		store:         store,
		batchSize:     batchSize,
		commitTimeout: commitTimeout,
		retrier: NewRetrier(retry, func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}, logger),
		logger: logger,
	}
}

// Persist commits muts in chunks of at most batchSize. On failure the chunks
// before the failing one stay committed and a KindPersistence error is returned.
func (p *BatchPersister) Persist(ctx context.Context, mailboxID string, muts []Mutation) (CommitResult, error) {
	var res CommitResult
	for start := 0; start < len(muts); start += p.batchSize {
		end := min(start+p.batchSize, len(muts))
		chunk := muts[start:end]
		err := p.retrier.Do(ctx, "commit", func(ctx context.Context) error {
			return p.commit(ctx, mailboxID, chunk)
		})
		if err != nil {
			return res, persistenceError("commit batch", mailboxID, err)
		}
		res.Committed += len(chunk)
		res.Batches++
	}
	return res, nil
}

func (p *BatchPersister) commit(ctx context.Context, mailboxID string, muts []Mutation) (err error) {
	if p.commitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.commitTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if err == nil {
			commitDuration.Observe(time.Since(start).Seconds())
		}
	}()

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, m := range muts {
		if err := tx.UpsertMessage(ctx, m.Record); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s: %w", m.Record.ExternalID, err)
		}
		entry, err := newOutboxEntry(mailboxID, m)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.EnqueueOutbox(ctx, entry); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("enqueue outbox %s: %w", m.Record.ExternalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EventType names the notification for a mutation.
func (m Mutation) EventType() string {
	switch {
	case m.Change == MessageDeleted:
		return "message.deleted"
	case m.Outcome == OutcomeCreated:
		return "message.created"
	default:
		return "message.updated"
	}
}

func newOutboxEntry(mailboxID string, m Mutation) (OutboxEntry, error) {
	eventType := m.EventType()
	payload, err := json.Marshal(struct {
		EventType string           `json:"event_type"`
		Message   *IngestedMessage `json:"message"`
	}{eventType, m.Record})
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return OutboxEntry{
		EventID:   uuid.NewString(),
		Subject:   fmt.Sprintf("mailbox.%s.%s", subjectToken(mailboxID), eventType),
		EventType: eventType,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%s|%d", eventType, mailboxID, m.Record.ExternalID, m.Record.UpdatedAt.UnixNano()),
		CreatedAt: m.Record.UpdatedAt,
	}, nil
}

// subjectToken makes s usable as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
