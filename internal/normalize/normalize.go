// Package normalize parses RFC 5322 payloads into the content used for
// message fingerprints.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// ErrEmptyPayload is returned for zero-length input
var ErrEmptyPayload = errors.New("empty message payload")

const maxBodyBytes = 8 << 20

// MailNormalizer implements sync.Normalizer with go-message
type MailNormalizer struct{}

var _ sync.Normalizer = MailNormalizer{}

// New returns a MailNormalizer
func New() MailNormalizer { return MailNormalizer{} }

// Normalize extracts headers and the text body of raw. Unknown charsets are
// tolerated; the affected part is kept undecoded.
func (MailNormalizer) Normalize(raw []byte) (sync.Content, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return sync.Content{}, ErrEmptyPayload
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return sync.Content{}, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	var c sync.Content
	h := mr.Header
	if c.Subject, err = h.Subject(); err != nil {
		c.Subject = h.Get("Subject")
	}
	c.Subject = strings.TrimSpace(c.Subject)
	c.Date, _ = h.Date()
	if id, err := h.MessageID(); err == nil {
		c.MessageID = id
	}
	c.ThreadHint = threadHint(h)

	from, _ := h.AddressList("From")
	if len(from) == 0 {
		from, _ = h.AddressList("Sender")
	}
	if len(from) > 0 {
		c.Sender = strings.ToLower(from[0].Address)
	}
	c.Participants = participants(h)

	var plain, html []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return sync.Content{}, fmt.Errorf("read part: %w", err)
		}
		if p == nil {
			continue
		}
		ih, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		if ct == "" {
			ct = "text/plain"
		}
		if ct != "text/plain" && ct != "text/html" {
			continue
		}
		b, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
		if err != nil {
			return sync.Content{}, fmt.Errorf("read %s body: %w", ct, err)
		}
		if ct == "text/plain" {
			plain = append(plain, cleanText(b))
		} else {
			html = append(html, cleanText(b))
		}
	}
	if len(plain) > 0 {
		c.Body = strings.Join(plain, "\n")
	} else {
		c.Body = strings.Join(html, "\n")
	}
	return c, nil
}

func cleanText(b []byte) string {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	return strings.TrimSpace(s)
}

// participants returns every address on the message, lowercased and sorted.
func participants(h mail.Header) []string {
	var out []string
	for _, key := range []string{"From", "To", "Cc", "Bcc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.Address != "" {
				out = append(out, strings.ToLower(a.Address))
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// threadHint is the root of the References chain, else the In-Reply-To id.
func threadHint(h mail.Header) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		return ids[0]
	}
	return ""
}
