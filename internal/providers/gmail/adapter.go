package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Options configures the Gmail adapter
type Options struct {
	// User is the Gmail user id; "me" when empty.
	User     string
	PageSize int64
	// Query restricts the initial backfill, e.g. "newer_than:30d".
	Query  string
	Logger *slog.Logger
}

// Adapter implements sync.DeltaSource for Gmail
type Adapter struct {
	svc    *gmail.Service
	user   string
	size   int64
	query  string
	logger *slog.Logger
}

var _ sync.DeltaSource = (*Adapter)(nil)

// New creates a new Gmail adapter
func New(ctx context.Context, tok *auth.Token, opts Options) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return NewWithService(svc, opts), nil
}

// NewWithService wraps an existing Gmail service
func NewWithService(svc *gmail.Service, opts Options) *Adapter {
	a := &Adapter{
		svc:    svc,
		user:   opts.User,
		size:   opts.PageSize,
		query:  opts.Query,
		logger: opts.Logger,
	}
	if a.user == "" {
		a.user = "me"
	}
	if a.size <= 0 {
		a.size = 100
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

func (a *Adapter) Provider() sync.ProviderName { return sync.ProviderGoogle }

// Poll returns the next page of changes. A nil cursor starts a backfill of the
// mailbox, after which the adapter follows the history API from the history
// id recorded when the backfill began.
func (a *Adapter) Poll(ctx context.Context, cursor *sync.Cursor) (*sync.DeltaPage, error) {
	pos, err := decodePosition(cursor)
	if err != nil {
		return nil, err
	}
	if pos.Mode == modeBackfill {
		return a.backfillPage(ctx, pos)
	}

	page, err := a.historyPage(ctx, pos)
	if err == errHistoryExpired {
		a.logger.Warn("gmail history expired, restarting backfill", "history_id", pos.HistoryID)
		return a.backfillPage(ctx, position{Mode: modeBackfill})
	}
	return page, err
}

func (a *Adapter) backfillPage(ctx context.Context, pos position) (*sync.DeltaPage, error) {
	if pos.HistoryID == 0 {
		profile, err := a.svc.Users.GetProfile(a.user).Context(ctx).Do()
		if err != nil {
			return nil, classify("get profile", err)
		}
		pos.HistoryID = profile.HistoryId
	}

	call := a.svc.Users.Messages.List(a.user).IncludeSpamTrash(false).MaxResults(a.size).Context(ctx)
	if a.query != "" {
		call = call.Q(a.query)
	}
	if pos.PageToken != "" {
		call = call.PageToken(pos.PageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	page := &sync.DeltaPage{HasMore: true}
	for _, m := range resp.Messages {
		page.Changes = append(page.Changes, sync.RawChange{Kind: sync.RawMessageAdded, ExternalID: m.Id, ThreadID: m.ThreadId})
	}
	if resp.NextPageToken != "" {
		page.Next = position{Mode: modeBackfill, HistoryID: pos.HistoryID, PageToken: resp.NextPageToken}.cursor()
	} else {
		// Backfill done; pick up whatever changed while it ran.
		page.Next = position{Mode: modeHistory, HistoryID: pos.HistoryID}.cursor()
	}
	return page, nil
}

func (a *Adapter) historyPage(ctx context.Context, pos position) (*sync.DeltaPage, error) {
	call := a.svc.Users.History.List(a.user).StartHistoryId(pos.HistoryID).MaxResults(a.size).Context(ctx)
	if pos.PageToken != "" {
		call = call.PageToken(pos.PageToken)
	}
	resp, err := call.Do()
	if err != nil {
		if isNotFound(err) {
			return nil, errHistoryExpired
		}
		return nil, classify("list history", err)
	}

	page := &sync.DeltaPage{Changes: historyChanges(resp.History)}
	if resp.NextPageToken != "" {
		page.Next = position{Mode: modeHistory, HistoryID: pos.HistoryID, PageToken: resp.NextPageToken}.cursor()
		page.HasMore = true
		return page, nil
	}
	latest := resp.HistoryId
	if latest < pos.HistoryID {
		latest = pos.HistoryID
	}
	page.Next = position{Mode: modeHistory, HistoryID: latest}.cursor()
	return page, nil
}

// historyChanges flattens history records into raw changes in record order.
func historyChanges(records []*gmail.History) []sync.RawChange {
	var out []sync.RawChange
	for _, h := range records {
		for _, m := range h.MessagesAdded {
			if m.Message != nil {
				out = append(out, sync.RawChange{Kind: sync.RawMessageAdded, ExternalID: m.Message.Id, ThreadID: m.Message.ThreadId})
			}
		}
		for _, l := range h.LabelsAdded {
			if l.Message != nil {
				out = append(out, sync.RawChange{Kind: sync.RawLabelsAdded, ExternalID: l.Message.Id, ThreadID: l.Message.ThreadId, Labels: l.LabelIds})
			}
		}
		for _, l := range h.LabelsRemoved {
			if l.Message != nil {
				out = append(out, sync.RawChange{Kind: sync.RawLabelsRemoved, ExternalID: l.Message.Id, ThreadID: l.Message.ThreadId, Labels: l.LabelIds})
			}
		}
		for _, m := range h.MessagesDeleted {
			if m.Message != nil {
				out = append(out, sync.RawChange{Kind: sync.RawMessageDeleted, ExternalID: m.Message.Id, ThreadID: m.Message.ThreadId})
			}
		}
	}
	return out
}

// FetchPayload downloads the RFC 5322 source of a message
func (a *Adapter) FetchPayload(ctx context.Context, ref sync.MessageRef) (*sync.RawMessage, error) {
	msg, err := a.svc.Users.Messages.Get(a.user, ref.ExternalID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message "+ref.ExternalID, err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(msg.Raw, "="))
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", ref.ExternalID, err)
	}
	labels := msg.LabelIds
	if labels == nil {
		labels = []string{}
	}
	return &sync.RawMessage{
		ExternalID: msg.Id,
		ThreadID:   msg.ThreadId,
		Labels:     labels,
		Raw:        raw,
	}, nil
}
