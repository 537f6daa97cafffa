package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

const (
	// DriverModernc is the pure Go driver registered by modernc.org/sqlite.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver registered by github.com/mattn/go-sqlite3.
	// The binary has to import that package for it to be available.
	DriverMattn = "sqlite3"
)

// Store is the local message, checkpoint, lock and outbox store
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

var (
	_ sync.MessageStore    = (*Store)(nil)
	_ sync.CheckpointStore = (*Store)(nil)
	_ sync.Locker          = (*Store)(nil)
	_ sync.StatusRecorder  = (*Store)(nil)
	_ sync.OutboxStore     = (*Store)(nil)
)

// Open opens or creates the database at dbPath using the named driver
func Open(driver, dbPath string) (*Store, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case DriverModernc:
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	case DriverMattn:
		dsn = "file:" + dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

const messageColumns = `mailbox_id, external_id, fingerprint, thread_id, subject, sender, labels_json,
	is_deleted, needs_backfill, last_synced_cursor, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*sync.IngestedMessage, error) {
	var (
		m                  sync.IngestedMessage
		labelsJSON         string
		deleted, backfill  int
		createdAt, updated int64
	)
	err := row.Scan(&m.MailboxID, &m.ExternalID, &m.ContentFingerprint, &m.ThreadID, &m.Subject, &m.Sender,
		&labelsJSON, &deleted, &backfill, &m.LastSyncedCursor, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labelsJSON), &m.Labels); err != nil {
		return nil, fmt.Errorf("decode labels of %s: %w", m.ExternalID, err)
	}
	if m.Labels == nil {
		m.Labels = []string{}
	}
	m.IsDeleted = deleted != 0
	m.NeedsBackfill = backfill != 0
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return &m, nil
}

// GetMessage loads one ingested message
func (s *Store) GetMessage(ctx context.Context, mailboxID, externalID string) (*sync.IngestedMessage, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE mailbox_id = ? AND external_id = ?`,
		mailboxID, externalID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sync.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return m, nil
}

// ListMessages returns the messages of a mailbox ordered by external id
func (s *Store) ListMessages(ctx context.Context, mailboxID string) ([]*sync.IngestedMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE mailbox_id = ? ORDER BY external_id`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*sync.IngestedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const knownIDsChunk = 500

// KnownExternalIDs reports which of ids are already stored for the mailbox
func (s *Store) KnownExternalIDs(ctx context.Context, mailboxID string, ids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for start := 0; start < len(ids); start += knownIDsChunk {
		chunk := ids[start:min(start+knownIDsChunk, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, mailboxID)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := `SELECT external_id FROM messages WHERE mailbox_id = ? AND external_id IN (?` +
			strings.Repeat(",?", len(chunk)-1) + `)`

		rows, err := s.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query known ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan known id: %w", err)
			}
			known[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return known, nil
}

// LoadCheckpoint returns the stored cursor or nil
func (s *Store) LoadCheckpoint(ctx context.Context, mailboxID string) (*sync.Cursor, error) {
	var token, seq string
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor_token, cursor_seq FROM sync_checkpoints WHERE mailbox_id = ?
	`, mailboxID).Scan(&token, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint seq %q: %w", seq, err)
	}
	return &sync.Cursor{Token: token, Seq: n}, nil
}

// GetCheckpoint returns the stored checkpoint row, or nil when the mailbox was never synced
func (s *Store) GetCheckpoint(ctx context.Context, mailboxID string) (*sync.SyncCheckpoint, error) {
	var (
		token, seq string
		updatedAt  int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor_token, cursor_seq, updated_at FROM sync_checkpoints WHERE mailbox_id = ?
	`, mailboxID).Scan(&token, &seq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint seq %q: %w", seq, err)
	}
	return &sync.SyncCheckpoint{
		MailboxID: mailboxID,
		Cursor:    sync.Cursor{Token: token, Seq: n},
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

// SaveCheckpoint stores c unless a newer cursor is already stored
func (s *Store) SaveCheckpoint(ctx context.Context, mailboxID string, c sync.Cursor) error {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (mailbox_id, cursor_token, cursor_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			cursor_token = excluded.cursor_token,
			cursor_seq = excluded.cursor_seq,
			updated_at = excluded.updated_at
		WHERE sync_checkpoints.cursor_seq <= excluded.cursor_seq
	`, mailboxID, c.Token, encodeSeq(c.Seq), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if n == 0 {
		return sync.ErrCursorRegressed
	}
	return nil
}

func encodeSeq(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// AcquireLock takes the mailbox lease for owner, or refreshes it if owner already holds it
func (s *Store) AcquireLock(ctx context.Context, mailboxID, owner string, ttl time.Duration) error {
	now := s.now()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_locks (mailbox_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE sync_locks.owner = excluded.owner OR sync_locks.expires_at < ?
	`, mailboxID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if n == 0 {
		return sync.ErrMailboxLocked
	}
	return nil
}

// ReleaseLock drops the lease if owner still holds it
func (s *Store) ReleaseLock(ctx context.Context, mailboxID, owner string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sync_locks WHERE mailbox_id = ? AND owner = ?`, mailboxID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// UpdateSyncStatus records the status of a mailbox and, when given, its last run report
func (s *Store) UpdateSyncStatus(ctx context.Context, mailboxID, status, lastErr string, report *sync.RunReport) error {
	var reportJSON sql.NullString
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		reportJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mailbox_sync_state (mailbox_id, status, last_error, last_report_json, retry_count, updated_at)
		VALUES (?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			last_report_json = COALESCE(excluded.last_report_json, mailbox_sync_state.last_report_json),
			retry_count = CASE WHEN excluded.last_error != '' THEN mailbox_sync_state.retry_count + 1 ELSE 0 END,
			updated_at = excluded.updated_at
	`, mailboxID, status, lastErr, reportJSON, lastErr, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// GetSyncStatus returns the recorded status of a mailbox
func (s *Store) GetSyncStatus(ctx context.Context, mailboxID string) (*sync.SyncStatus, error) {
	var (
		st         = sync.SyncStatus{MailboxID: mailboxID}
		reportJSON sql.NullString
		updatedAt  int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT status, last_error, last_report_json, updated_at FROM mailbox_sync_state WHERE mailbox_id = ?
	`, mailboxID).Scan(&st.Status, &st.LastError, &reportJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sync.ErrUnknownMailbox
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if reportJSON.Valid {
		var r sync.RunReport
		if err := json.Unmarshal([]byte(reportJSON.String), &r); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
		st.LastReport = &r
	}
	return &st, nil
}
