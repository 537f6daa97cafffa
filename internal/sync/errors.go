package sync

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies sync failures by how the driver reacts to them
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransientProvider covers rate limits, 5xx responses, network failures and timeouts.
	KindTransientProvider
	// KindAuth is fatal for the run.
	KindAuth
	// KindItemIngestion stays attached to a single IngestionOutcome.
	KindItemIngestion
	// KindPersistence aborts the run without advancing the checkpoint.
	KindPersistence
	// KindCheckpointWrite is logged and counted; the run continues.
	KindCheckpointWrite
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientProvider:
		return "transient_provider"
	case KindAuth:
		return "auth"
	case KindItemIngestion:
		return "item_ingestion"
	case KindPersistence:
		return "persistence"
	case KindCheckpointWrite:
		return "checkpoint_write"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrTransientProvider = &Error{Kind: KindTransientProvider}
	ErrAuth              = &Error{Kind: KindAuth}
	ErrItemIngestion     = &Error{Kind: KindItemIngestion}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrCheckpointWrite   = &Error{Kind: KindCheckpointWrite}
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrMailboxLocked   = errors.New("mailbox sync already running")
	ErrCursorRegressed = errors.New("cursor is older than the stored checkpoint")
	ErrUnknownMailbox  = errors.New("unknown mailbox")
)

// Error is a classified sync error
type Error struct {
	Kind       ErrorKind
	Op         string
	MailboxID  string
	ExternalID string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.MailboxID != "" {
		msg += " mailbox=" + e.MailboxID
	}
	if e.ExternalID != "" {
		msg += " message=" + e.ExternalID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Transient marks err as a retryable provider failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransientProvider, Op: op, Err: err}
}

// Auth marks err as an authentication or authorization failure.
func Auth(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	return errors.Is(err, ErrTransientProvider) || errors.Is(err, context.DeadlineExceeded)
}

func persistenceError(op, mailboxID string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, MailboxID: mailboxID, Err: err}
}

func itemError(ev ChangeEvent, mailboxID string, err error) error {
	return &Error{
		Kind:       KindItemIngestion,
		Op:         fmt.Sprintf("ingest %s", ev.Kind),
		MailboxID:  mailboxID,
		ExternalID: ev.ExternalID,
		Err:        err,
	}
}
