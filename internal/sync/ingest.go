package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Mutation is a staged write produced by the Ingestor
type Mutation struct {
	Record  *IngestedMessage
	Outcome OutcomeKind
	Change  ChangeKind
}

// Ingestor applies ChangeEvents against local state. It is not safe for
// concurrent use; one Ingestor serves one page at a time.
type Ingestor struct {
	mailboxID  string
	store      MessageStore
	payloads   func(ctx context.Context, ref MessageRef) (*RawMessage, error)
	normalizer Normalizer
	logger     *slog.Logger
	now        func() time.Time

	staged map[string]*IngestedMessage
	cursor string
}

// NewIngestor creates an Ingestor for one mailbox. payloads is used for
// MessageAdded events that arrive without a payload.
func NewIngestor(mailboxID string, store MessageStore, payloads PayloadFetcher, normalizer Normalizer, logger *slog.Logger) *Ingestor {
	in := &Ingestor{
		mailboxID:  mailboxID,
		store:      store,
		normalizer: normalizer,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		staged:     make(map[string]*IngestedMessage),
	}
	if payloads != nil {
		in.payloads = payloads.FetchPayload
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	return in
}

// BeginPage resets staged state and stamps subsequent mutations with cursor.
func (in *Ingestor) BeginPage(cursor string) {
	in.staged = make(map[string]*IngestedMessage)
	in.cursor = cursor
}

// Ingest applies one event. A non-nil Mutation is returned for Created and Updated outcomes.
func (in *Ingestor) Ingest(ctx context.Context, ev ChangeEvent) (out IngestionOutcome, mut *Mutation) {
	out.ExternalID = ev.ExternalID
	defer func() {
		if r := recover(); r != nil {
			out = IngestionOutcome{ExternalID: ev.ExternalID, Kind: OutcomeFailed, Err: itemError(ev, in.mailboxID, fmt.Errorf("panic: %v", r))}
			mut = nil
		}
	}()

	var (
		rec  *IngestedMessage
		kind OutcomeKind
		err  error
	)
	switch ev.Kind {
	case MessageAdded:
		rec, kind, err = in.applyAdded(ctx, ev)
	case LabelsChanged:
		rec, kind, err = in.applyLabels(ctx, ev)
	case MessageDeleted:
		rec, kind, err = in.applyDeleted(ctx, ev)
	default:
		err = fmt.Errorf("unknown change kind %d", ev.Kind)
	}
	if err != nil {
		in.logger.Warn("ingest failed", "mailbox", in.mailboxID, "external_id", ev.ExternalID, "kind", ev.Kind.String(), "error", err)
		return IngestionOutcome{ExternalID: ev.ExternalID, Kind: OutcomeFailed, Err: itemError(ev, in.mailboxID, err)}, nil
	}

	out.Kind = kind
	if rec == nil {
		return out, nil
	}
	out.ExternalID = rec.ExternalID
	in.staged[rec.ExternalID] = rec
	return out, &Mutation{Record: rec.Clone(), Outcome: kind, Change: ev.Kind}
}

func (in *Ingestor) lookup(ctx context.Context, externalID string) (*IngestedMessage, error) {
	if m, ok := in.staged[externalID]; ok {
		return m, nil
	}
	m, err := in.store.GetMessage(ctx, in.mailboxID, externalID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	return m, nil
}

func (in *Ingestor) applyAdded(ctx context.Context, ev ChangeEvent) (*IngestedMessage, OutcomeKind, error) {
	if ev.fetchErr != nil {
		return nil, 0, ev.fetchErr
	}
	payload := ev.Payload
	if payload == nil {
		if in.payloads == nil {
			return nil, 0, errors.New("payload missing and no fetcher configured")
		}
		p, err := in.payloads(ctx, ev.ref())
		if err != nil {
			return nil, 0, fmt.Errorf("fetch payload: %w", err)
		}
		payload = p
	}
	if payload == nil || len(payload.Raw) == 0 {
		return nil, 0, errors.New("empty payload")
	}

	content, err := in.normalizer.Normalize(payload.Raw)
	if err != nil {
		return nil, 0, fmt.Errorf("normalize: %w", err)
	}
	fp := Fingerprint(content)

	id := firstNonEmpty(ev.ExternalID, payload.ExternalID)
	if id == "" {
		id = "fp:" + fp
	}
	thread := firstNonEmpty(ev.ThreadID, payload.ThreadID, content.ThreadHint)

	existing, err := in.lookup(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	now := in.now()
	if existing == nil {
		return &IngestedMessage{
			MailboxID:          in.mailboxID,
			ExternalID:         id,
			ContentFingerprint: fp,
			ThreadID:           thread,
			Subject:            content.Subject,
			Sender:             content.Sender,
			Labels:             normalizeLabels(payload.Labels),
			LastSyncedCursor:   in.cursor,
			CreatedAt:          now,
			UpdatedAt:          now,
		}, OutcomeCreated, nil
	}
	if existing.ContentFingerprint == fp && !existing.NeedsBackfill {
		return nil, OutcomeSkipped, nil
	}

	rec := existing.Clone()
	rec.ContentFingerprint = fp
	rec.Subject = content.Subject
	rec.Sender = content.Sender
	if thread != "" {
		rec.ThreadID = thread
	}
	if payload.Labels != nil {
		if existing.NeedsBackfill {
			rec.Labels = normalizeLabels(append(slices.Clone(existing.Labels), payload.Labels...))
		} else {
			rec.Labels = normalizeLabels(payload.Labels)
		}
	}
	rec.NeedsBackfill = false
	rec.LastSyncedCursor = in.cursor
	rec.UpdatedAt = now
	return rec, OutcomeUpdated, nil
}

func (in *Ingestor) applyLabels(ctx context.Context, ev ChangeEvent) (*IngestedMessage, OutcomeKind, error) {
	if len(ev.Added) == 0 && len(ev.Removed) == 0 {
		return nil, OutcomeSkipped, nil
	}
	existing, err := in.lookup(ctx, ev.ExternalID)
	if err != nil {
		return nil, 0, err
	}
	now := in.now()
	if existing == nil {
		return &IngestedMessage{
			MailboxID:        in.mailboxID,
			ExternalID:       ev.ExternalID,
			ThreadID:         ev.ThreadID,
			Labels:           normalizeLabels(ev.Added),
			NeedsBackfill:    true,
			LastSyncedCursor: in.cursor,
			CreatedAt:        now,
			UpdatedAt:        now,
		}, OutcomeCreated, nil
	}

	remove := make(map[string]bool, len(ev.Removed))
	for _, l := range ev.Removed {
		remove[l] = true
	}
	var next []string
	for _, l := range append(slices.Clone(existing.Labels), ev.Added...) {
		if !remove[l] {
			next = append(next, l)
		}
	}
	labels := normalizeLabels(next)
	if slices.Equal(labels, normalizeLabels(existing.Labels)) {
		return nil, OutcomeSkipped, nil
	}

	rec := existing.Clone()
	rec.Labels = labels
	rec.LastSyncedCursor = in.cursor
	rec.UpdatedAt = now
	return rec, OutcomeUpdated, nil
}

func (in *Ingestor) applyDeleted(ctx context.Context, ev ChangeEvent) (*IngestedMessage, OutcomeKind, error) {
	existing, err := in.lookup(ctx, ev.ExternalID)
	if err != nil {
		return nil, 0, err
	}
	if existing == nil || existing.IsDeleted {
		return nil, OutcomeSkipped, nil
	}
	rec := existing.Clone()
	rec.IsDeleted = true
	rec.LastSyncedCursor = in.cursor
	rec.UpdatedAt = in.now()
	return rec, OutcomeUpdated, nil
}

// normalizeLabels returns a sorted, deduplicated, non-nil label set.
func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
