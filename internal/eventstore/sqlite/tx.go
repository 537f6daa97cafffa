package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/sync"
)

type batchTx struct {
	tx    *sql.Tx
	store *Store
}

var _ sync.Tx = (*batchTx)(nil)

// BeginTx starts a batch transaction
func (s *Store) BeginTx(ctx context.Context) (sync.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &batchTx{tx: tx, store: s}, nil
}

func (t *batchTx) UpsertMessage(ctx context.Context, m *sync.IngestedMessage) error {
	labels := m.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id, external_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			sender = excluded.sender,
			labels_json = excluded.labels_json,
			is_deleted = excluded.is_deleted,
			needs_backfill = excluded.needs_backfill,
			last_synced_cursor = excluded.last_synced_cursor,
			updated_at = excluded.updated_at
	`, m.MailboxID, m.ExternalID, m.ContentFingerprint, m.ThreadID, m.Subject, m.Sender, string(labelsJSON),
		boolInt(m.IsDeleted), boolInt(m.NeedsBackfill), m.LastSyncedCursor,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

// EnqueueOutbox ignores entries whose msg_id is already queued.
func (t *batchTx) EnqueueOutbox(ctx context.Context, e sync.OutboxEntry) error {
	now := t.store.now()
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = now
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (event_id, ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.EventID, ts.Unix(), e.Subject, e.EventType, e.Payload, e.MsgID, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

func (t *batchTx) Commit() error {
	return t.tx.Commit()
}

func (t *batchTx) Rollback() error {
	return t.tx.Rollback()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
