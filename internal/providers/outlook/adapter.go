package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Options configures the Outlook adapter
type Options struct {
	// User is the Graph user id or principal name; "me" when empty.
	User string
	// Folder is the well-known name or id of the synced folder; "inbox" when empty.
	Folder   string
	PageSize int
	Logger   *slog.Logger
}

// Adapter implements sync.DeltaSource for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	user   string
	folder string
	size   int
	logger *slog.Logger
}

var _ sync.DeltaSource = (*Adapter)(nil)

var deltaSelect = []string{"id", "conversationId", "categories", "receivedDateTime"}

// New creates a new Outlook adapter
func New(ctx context.Context, tok *auth.Token, opts Options) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	a := &Adapter{
		client: client,
		user:   opts.User,
		folder: opts.Folder,
		size:   opts.PageSize,
		logger: opts.Logger,
	}
	if a.user == "" {
		a.user = "me"
	}
	if a.folder == "" {
		a.folder = "inbox"
	}
	if a.size <= 0 {
		a.size = 50
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

func (a *Adapter) Provider() sync.ProviderName { return sync.ProviderMicrosoft }

func (a *Adapter) deltaBuilder() *users.ItemMailFoldersItemMessagesDeltaRequestBuilder {
	return a.client.Users().ByUserId(a.user).MailFolders().ByMailFolderId(a.folder).Messages().Delta()
}

// Poll follows the Graph delta query for the folder. The cursor token is the
// nextLink or deltaLink returned by the previous page.
func (a *Adapter) Poll(ctx context.Context, cursor *sync.Cursor) (*sync.DeltaPage, error) {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", a.size))
	config := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: headers}

	builder := a.deltaBuilder()
	var prevSeq uint64
	if cursor != nil && cursor.Token != "" {
		builder = builder.WithUrl(cursor.Token)
		prevSeq = cursor.Seq
	} else {
		config.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: deltaSelect,
		}
	}

	resp, err := builder.GetAsDeltaGetResponse(ctx, config)
	if err != nil {
		return nil, classify("messages delta", err)
	}

	page := &sync.DeltaPage{Changes: deltaChanges(resp.GetValue())}
	switch {
	case resp.GetOdataNextLink() != nil && *resp.GetOdataNextLink() != "":
		page.Next = &sync.Cursor{Token: *resp.GetOdataNextLink(), Seq: prevSeq + 1}
		page.HasMore = true
	case resp.GetOdataDeltaLink() != nil && *resp.GetOdataDeltaLink() != "":
		page.Next = &sync.Cursor{Token: *resp.GetOdataDeltaLink(), Seq: prevSeq + 1}
	default:
		return nil, fmt.Errorf("messages delta: response carries neither nextLink nor deltaLink")
	}
	return page, nil
}

// deltaChanges translates delta items. Removed items carry an "@removed"
// annotation; everything else is a new or changed message whose categories
// are picked up from the payload.
func deltaChanges(msgs []models.Messageable) []sync.RawChange {
	var out []sync.RawChange
	for _, m := range msgs {
		if m == nil || m.GetId() == nil {
			continue
		}
		ch := sync.RawChange{Kind: sync.RawMessageAdded, ExternalID: *m.GetId()}
		if conv := m.GetConversationId(); conv != nil {
			ch.ThreadID = *conv
		}
		if _, removed := m.GetAdditionalData()["@removed"]; removed {
			ch.Kind = sync.RawMessageDeleted
		} else {
			ch.Labels = m.GetCategories()
		}
		out = append(out, ch)
	}
	return out
}

// FetchPayload downloads the MIME source and categories of a message
func (a *Adapter) FetchPayload(ctx context.Context, ref sync.MessageRef) (*sync.RawMessage, error) {
	item := a.client.Users().ByUserId(a.user).Messages().ByMessageId(ref.ExternalID)

	meta, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "categories"},
		},
	})
	if err != nil {
		return nil, classify("get message "+ref.ExternalID, err)
	}
	raw, err := item.Content().Get(ctx, nil)
	if err != nil {
		return nil, classify("get message content "+ref.ExternalID, err)
	}

	msg := &sync.RawMessage{ExternalID: ref.ExternalID, ThreadID: ref.ThreadID, Raw: raw, Labels: []string{}}
	if conv := meta.GetConversationId(); conv != nil {
		msg.ThreadID = *conv
	}
	if cats := meta.GetCategories(); cats != nil {
		msg.Labels = cats
	}
	return msg, nil
}

// classify maps Graph failures onto the sync error kinds.
func classify(op string, err error) error {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return sync.Transient(op, err)
	}
	switch code := oerr.ResponseStatusCode; {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return sync.Auth(op, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, sync.ErrMessageNotFound, err)
	case code == http.StatusGone:
		// Expired delta token; the caller has to reset the checkpoint.
		return fmt.Errorf("%s: delta token expired: %w", op, err)
	case code == http.StatusTooManyRequests, code >= 500:
		return sync.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiry,
	}, nil
}
