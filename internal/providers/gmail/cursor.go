package gmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	modeBackfill = "backfill"
	modeHistory  = "history"
)

// position is the decoded form of a Gmail cursor token
type position struct {
	Mode      string `json:"mode"`
	HistoryID uint64 `json:"history_id"`
	PageToken string `json:"page_token,omitempty"`
}

func (p position) cursor() *sync.Cursor {
	b, _ := json.Marshal(p)
	return &sync.Cursor{Token: base64.RawURLEncoding.EncodeToString(b), Seq: p.HistoryID}
}

// decodePosition parses a cursor token. Plain decimal tokens are bare history
// ids as stored by earlier checkpoints.
func decodePosition(c *sync.Cursor) (position, error) {
	if c == nil || c.Token == "" {
		return position{Mode: modeBackfill}, nil
	}
	if id, err := strconv.ParseUint(c.Token, 10, 64); err == nil {
		return position{Mode: modeHistory, HistoryID: id}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(c.Token)
	if err != nil {
		return position{}, fmt.Errorf("decode gmail cursor: %w", err)
	}
	var p position
	if err := json.Unmarshal(b, &p); err != nil {
		return position{}, fmt.Errorf("decode gmail cursor: %w", err)
	}
	switch p.Mode {
	case modeBackfill, modeHistory:
	default:
		return position{}, fmt.Errorf("decode gmail cursor: unknown mode %q", p.Mode)
	}
	return p, nil
}
