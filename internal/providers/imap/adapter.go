package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Options configures the IMAP adapter
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	// Folder is the mailbox to scan; INBOX when empty.
	Folder   string
	PageSize int
	// LookbackDays bounds the first scan of a mailbox; zero scans everything.
	LookbackDays int
	Logger       *slog.Logger
}

// Adapter implements sync.FullScanSource over one IMAP folder.
//
// Cursor Seq packs the folder UIDVALIDITY in the high 32 bits and the last
// seen UID in the low 32 bits.
type Adapter struct {
	opts   Options
	logger *slog.Logger

	mu       stdsync.Mutex
	client   *imapclient.Client
	validity uint32
}

var (
	_ sync.FullScanSource = (*Adapter)(nil)
	_ io.Closer           = (*Adapter)(nil)
)

// New creates an IMAP adapter. The connection is opened lazily.
func New(opts Options) *Adapter {
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Port == 0 {
		opts.Port = 993
		if !opts.UseTLS {
			opts.Port = 143
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{opts: opts, logger: logger.With("imap_host", opts.Host, "folder", opts.Folder)}
}

func (a *Adapter) Provider() sync.ProviderName { return sync.ProviderIMAP }

func packSeq(validity uint32, uid imap.UID) uint64 {
	return uint64(validity)<<32 | uint64(uid)
}

func unpackSeq(seq uint64) (uint32, imap.UID) {
	return uint32(seq >> 32), imap.UID(uint32(seq))
}

func scanCursor(validity uint32, uid imap.UID) *sync.Cursor {
	return &sync.Cursor{Token: fmt.Sprintf("%d:%d", validity, uid), Seq: packSeq(validity, uid)}
}

func encodeHandle(validity uint32, uid imap.UID) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func decodeHandle(h string) (uint32, imap.UID, error) {
	v, u, ok := strings.Cut(h, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed imap handle %q", h)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap handle %q: %w", h, err)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap handle %q: %w", h, err)
	}
	return uint32(validity), imap.UID(uid), nil
}

// nextUIDs returns up to limit UIDs above after, in ascending order.
// Servers answer "UID n:*" with the highest message even when it is below n,
// so the result is filtered locally.
func nextUIDs(uids []imap.UID, after imap.UID, limit int) []imap.UID {
	var out []imap.UID
	for _, uid := range uids {
		if uid > after {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListSince lists messages with a UID above the cursor. When the folder
// UIDVALIDITY no longer matches the cursor the scan restarts from the top.
func (a *Adapter) ListSince(ctx context.Context, cursor *sync.Cursor) (*sync.ScanPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer a.guard(ctx, c)()

	var after imap.UID
	if cursor != nil {
		validity, uid := unpackSeq(cursor.Seq)
		if validity == a.validity {
			after = uid
		} else {
			a.logger.Warn("imap uidvalidity changed, rescanning folder", "old", validity, "new", a.validity)
		}
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: after + 1, Stop: 0}}},
	}
	if cursor == nil && a.opts.LookbackDays > 0 {
		criteria.Since = time.Now().AddDate(0, 0, -a.opts.LookbackDays)
	}
	data, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, a.fail(ctx, "uid search", err)
	}

	uids := nextUIDs(data.AllUIDs(), after, a.opts.PageSize)
	if len(uids) == 0 {
		page := &sync.ScanPage{MostRecent: cursor}
		return page, nil
	}

	bufs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{UID: true, Envelope: true}).Collect()
	if err != nil {
		return nil, a.fail(ctx, "fetch envelopes", err)
	}

	page := &sync.ScanPage{}
	for _, buf := range bufs {
		entry := sync.ScanEntry{Handle: encodeHandle(a.validity, buf.UID)}
		if buf.Envelope != nil {
			entry.ExternalID = strings.Trim(strings.TrimSpace(buf.Envelope.MessageID), "<>")
		}
		page.Entries = append(page.Entries, entry)
	}
	page.MostRecent = scanCursor(a.validity, uids[len(uids)-1])
	return page, nil
}

// FetchPayload downloads the full message identified by its scan handle
func (a *Adapter) FetchPayload(ctx context.Context, ref sync.MessageRef) (*sync.RawMessage, error) {
	validity, uid, err := decodeHandle(ref.Handle)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	if validity != a.validity {
		return nil, fmt.Errorf("imap message %s: %w", ref.Handle, sync.ErrMessageNotFound)
	}
	defer a.guard(ctx, c)()

	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, a.fail(ctx, "fetch body", err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("imap message %s: %w", ref.Handle, sync.ErrMessageNotFound)
	}

	labels := make([]string, 0, len(bufs[0].Flags))
	for _, f := range bufs[0].Flags {
		labels = append(labels, string(f))
	}
	return &sync.RawMessage{
		ExternalID: ref.ExternalID,
		ThreadID:   ref.ThreadID,
		Labels:     labels,
		Raw:        bufs[0].FindBodySection(section),
	}, nil
}

// connect returns the open connection, dialing and selecting the folder when
// needed. Callers hold a.mu.
func (a *Adapter) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.client != nil {
		return a.client, nil
	}

	addr := net.JoinHostPort(a.opts.Host, strconv.Itoa(a.opts.Port))
	var (
		c   *imapclient.Client
		err error
	)
	if a.opts.UseTLS {
		c, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: a.opts.Host},
		})
	} else {
		c, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, sync.Transient("imap connect "+addr, err)
	}

	if err := c.Login(a.opts.Username, a.opts.Password).Wait(); err != nil {
		c.Close()
		var ierr *imap.Error
		if errors.As(err, &ierr) {
			return nil, sync.Auth("imap login "+a.opts.Username, err)
		}
		return nil, sync.Transient("imap login "+a.opts.Username, err)
	}

	sel, err := c.Select(a.opts.Folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		c.Close()
		var ierr *imap.Error
		if errors.As(err, &ierr) {
			return nil, fmt.Errorf("imap select %s: %w", a.opts.Folder, err)
		}
		return nil, sync.Transient("imap select "+a.opts.Folder, err)
	}

	a.client = c
	a.validity = sel.UIDValidity
	a.logger.Debug("imap connected", "uidvalidity", sel.UIDValidity, "messages", sel.NumMessages)
	return c, nil
}

// fail classifies a command error. Anything but a server NO/BAD reply drops
// the connection so the next call redials.
func (a *Adapter) fail(ctx context.Context, op string, err error) error {
	var ierr *imap.Error
	if errors.As(err, &ierr) {
		return fmt.Errorf("imap %s: %w", op, err)
	}
	a.drop()
	if ctx.Err() != nil {
		return fmt.Errorf("imap %s: %w", op, ctx.Err())
	}
	return sync.Transient("imap "+op, err)
}

// guard closes c if ctx ends while a command is in flight. The returned
// func must run before a.mu is released.
func (a *Adapter) guard(ctx context.Context, c *imapclient.Client) func() {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	return func() {
		if !stop() {
			a.drop()
		}
	}
}

func (a *Adapter) drop() {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

// Close logs out and closes the connection
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Logout().Wait()
	a.drop()
	return err
}
