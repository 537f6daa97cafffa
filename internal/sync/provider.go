package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// RawChangeKind is the shape of a change as reported by a delta API
type RawChangeKind int

const (
	RawMessageAdded RawChangeKind = iota + 1
	RawMessageDeleted
	RawLabelsAdded
	RawLabelsRemoved
)

// RawChange is one provider-reported change before classification
type RawChange struct {
	Kind       RawChangeKind
	ExternalID string
	ThreadID   string
	Labels     []string
	Payload    *RawMessage
}

// DeltaPage is one page of a delta/history listing
type DeltaPage struct {
	Changes []RawChange
	Next    *Cursor
	HasMore bool
}

// ScanEntry is one message found by a full scan
type ScanEntry struct {
	ExternalID string
	ThreadID   string
	Handle     string
}

// ScanPage is one page of a full scan
type ScanPage struct {
	Entries    []ScanEntry
	MostRecent *Cursor
}

// PayloadFetcher retrieves full message payloads
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, ref MessageRef) (*RawMessage, error)
}

// ChangeSource is a remote mailbox. Implementations also satisfy DeltaSource or FullScanSource.
type ChangeSource interface {
	PayloadFetcher
	Provider() ProviderName
}

// DeltaSource lists changes since a cursor. A nil cursor starts an initial sync.
type DeltaSource interface {
	ChangeSource
	Poll(ctx context.Context, cursor *Cursor) (*DeltaPage, error)
}

// FullScanSource lists message ids newer than a cursor.
type FullScanSource interface {
	ChangeSource
	ListSince(ctx context.Context, cursor *Cursor) (*ScanPage, error)
}

// MessageStore is the local record of ingested messages
type MessageStore interface {
	// GetMessage returns ErrMessageNotFound when the message was never ingested.
	GetMessage(ctx context.Context, mailboxID, externalID string) (*IngestedMessage, error)
	KnownExternalIDs(ctx context.Context, mailboxID string, ids []string) (map[string]bool, error)
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a local store transaction
type Tx interface {
	UpsertMessage(ctx context.Context, m *IngestedMessage) error
	EnqueueOutbox(ctx context.Context, e OutboxEntry) error
	Commit() error
	Rollback() error
}

// CheckpointStore persists one cursor per mailbox
type CheckpointStore interface {
	// LoadCheckpoint returns nil when the mailbox was never synced.
	LoadCheckpoint(ctx context.Context, mailboxID string) (*Cursor, error)
	// SaveCheckpoint returns ErrCursorRegressed instead of moving a cursor backwards.
	SaveCheckpoint(ctx context.Context, mailboxID string, c Cursor) error
}

// Locker holds advisory per-mailbox leases
type Locker interface {
	// AcquireLock takes or refreshes the lease for owner; ErrMailboxLocked if someone else holds it.
	AcquireLock(ctx context.Context, mailboxID, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, mailboxID, owner string) error
}

// StatusRecorder stores the last sync status of a mailbox
type StatusRecorder interface {
	UpdateSyncStatus(ctx context.Context, mailboxID, status, lastErr string, report *RunReport) error
}

// Content is the normalized form of a message payload
type Content struct {
	Subject      string
	Sender       string
	Participants []string
	Body         string
	Date         time.Time
	MessageID    string
	// ThreadHint is a thread key derived from the headers, used when the provider has none.
	ThreadHint string
}

// Normalizer parses raw RFC 5322 payloads
type Normalizer interface {
	Normalize(raw []byte) (Content, error)
}

// Fingerprint hashes the identity-bearing parts of normalized content.
func Fingerprint(c Content) string {
	h := sha256.New()
	for _, part := range []string{c.Subject, c.Sender, strings.Join(c.Participants, ","), c.Body} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
