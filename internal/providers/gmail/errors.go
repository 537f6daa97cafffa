package gmail

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/sync"
)

var errHistoryExpired = errors.New("gmail history id expired")

// classify maps Gmail API failures onto the sync error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return sync.Auth(op, err)
		case gerr.Code == http.StatusForbidden:
			if rateLimited(gerr) {
				return sync.Transient(op, err)
			}
			return sync.Auth(op, err)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, sync.ErrMessageNotFound, err)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return sync.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return sync.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
