package sync

import (
	"fmt"
	"slices"
	"time"
)

// ProviderName represents mailbox provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
	ProviderIMAP      ProviderName = "IMAP"
)

// Cursor is a resumable position in a remote mailbox.
// Token is opaque to everything but the source that produced it; Seq orders
// cursors of the same mailbox so that older positions never replace newer ones.
type Cursor struct {
	Token string `json:"token"`
	Seq   uint64 `json:"seq"`
}

// Equal reports whether two cursors denote the same position. Two nil cursors are equal.
func (c *Cursor) Equal(o *Cursor) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return c.Token == o.Token && c.Seq == o.Seq
}

func (c *Cursor) String() string {
	if c == nil {
		return "<none>"
	}
	return fmt.Sprintf("%d:%s", c.Seq, c.Token)
}

// SyncCheckpoint is the durable resume point of a mailbox
type SyncCheckpoint struct {
	MailboxID string    `json:"mailbox_id"`
	Cursor    Cursor    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeKind tags a ChangeEvent
type ChangeKind int

const (
	MessageAdded ChangeKind = iota + 1
	MessageDeleted
	LabelsChanged
)

func (k ChangeKind) String() string {
	switch k {
	case MessageAdded:
		return "added"
	case MessageDeleted:
		return "deleted"
	case LabelsChanged:
		return "labels_changed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ChangeEvent is a normalized remote change. Payload is only meaningful for
// MessageAdded, Added and Removed only for LabelsChanged.
type ChangeEvent struct {
	Kind       ChangeKind
	ExternalID string
	ThreadID   string
	// Handle addresses the message at the source when ExternalID cannot (IMAP UID).
	Handle  string
	Payload *RawMessage
	Added   []string
	Removed []string

	fetchErr error
}

func (e ChangeEvent) ref() MessageRef {
	return MessageRef{ExternalID: e.ExternalID, ThreadID: e.ThreadID, Handle: e.Handle}
}

// MessageRef identifies a message for a payload fetch
type MessageRef struct {
	ExternalID string
	ThreadID   string
	Handle     string
}

// RawMessage is a message payload as returned by a provider
type RawMessage struct {
	ExternalID string
	ThreadID   string
	// Labels is nil when the provider does not report labels with the payload.
	Labels []string
	Raw    []byte
}

// IngestedMessage is the local record of a remote message.
type IngestedMessage struct {
	MailboxID          string    `json:"mailbox_id"`
	ExternalID         string    `json:"external_id"`
	ContentFingerprint string    `json:"content_fingerprint,omitempty"`
	ThreadID           string    `json:"thread_id,omitempty"`
	Subject            string    `json:"subject,omitempty"`
	Sender             string    `json:"sender,omitempty"`
	Labels             []string  `json:"labels"`
	IsDeleted          bool      `json:"is_deleted"`
	NeedsBackfill      bool      `json:"needs_backfill"`
	LastSyncedCursor   string    `json:"last_synced_cursor,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Clone returns a deep copy of m.
func (m *IngestedMessage) Clone() *IngestedMessage {
	if m == nil {
		return nil
	}
	c := *m
	c.Labels = slices.Clone(m.Labels)
	return &c
}

// OutcomeKind is the result of ingesting one ChangeEvent
type OutcomeKind int

const (
	OutcomeCreated OutcomeKind = iota + 1
	OutcomeUpdated
	OutcomeSkipped
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// IngestionOutcome records what happened to one event
type IngestionOutcome struct {
	ExternalID string
	Kind       OutcomeKind
	Err        error
}

// State is a sync driver state
type State string

const (
	StateIdle               State = "IDLE"
	StateFetching           State = "FETCHING"
	StateClassifying        State = "CLASSIFYING"
	StateIngesting          State = "INGESTING"
	StatePersisting         State = "PERSISTING"
	StateCheckpointAdvanced State = "CHECKPOINT_ADVANCED"
	StateDone               State = "DONE"
	StateAborted            State = "ABORTED"
	StateCancelled          State = "CANCELLED"
)

// RunReport summarizes one RunSync call. Counters only include pages whose
// mutations were committed.
type RunReport struct {
	MailboxID        string    `json:"mailbox_id"`
	RunID            string    `json:"run_id"`
	State            State     `json:"state"`
	PagesProcessed   int       `json:"pages_processed"`
	MessagesCreated  int       `json:"messages_created"`
	MessagesUpdated  int       `json:"messages_updated"`
	MessagesSkipped  int       `json:"messages_skipped"`
	MessagesFailed   int       `json:"messages_failed"`
	CheckpointErrors int       `json:"checkpoint_errors"`
	FinalCursor      *Cursor   `json:"final_cursor,omitempty"`
	Err              error     `json:"-"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// SyncStatus is the last known state of a mailbox sync loop
type SyncStatus struct {
	MailboxID  string     `json:"mailbox_id"`
	Status     string     `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	LastReport *RunReport `json:"last_report,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

const (
	StatusSyncing = "SYNCING"
	StatusIdle    = "IDLE"
	StatusError   = "ERROR"
)

// tally counts outcomes of a single page before it is committed
type tally struct {
	created, updated, skipped, failed int
}

func (t *tally) add(k OutcomeKind) {
	switch k {
	case OutcomeCreated:
		t.created++
	case OutcomeUpdated:
		t.updated++
	case OutcomeSkipped:
		t.skipped++
	case OutcomeFailed:
		t.failed++
	}
}

func (r *RunReport) merge(t tally) {
	r.MessagesCreated += t.created
	r.MessagesUpdated += t.updated
	r.MessagesSkipped += t.skipped
	r.MessagesFailed += t.failed
}
