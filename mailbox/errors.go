package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/migadu/rolo/consts"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/pkg/metrics"
)

// classify maps a Gmail API error onto the fault taxonomy.
//
//	401, failed token refresh  -> auth expired
//	403 rate reasons, 429      -> rate limited, honoring Retry-After
//	400, 404                   -> permanent
//	everything else            -> transient
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return faults.AuthExpired(fmt.Errorf("token refresh rejected: %w", err))
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		// Transport-level failure, DNS, connection reset.
		return faults.Transient(err)
	}

	switch apiErr.Code {
	case http.StatusUnauthorized:
		return faults.AuthExpired(err)
	case http.StatusTooManyRequests:
		metrics.MailboxRateLimited.Inc()
		return faults.RateLimited(err, retryAfterHeader(apiErr))
	case http.StatusForbidden:
		if isRateReason(apiErr) {
			metrics.MailboxRateLimited.Inc()
			return faults.RateLimited(err, retryAfterHeader(apiErr))
		}
		return faults.Permanent(err)
	case http.StatusBadRequest, http.StatusNotFound:
		return faults.Permanent(err)
	default:
		return faults.Transient(err)
	}
}

// classifyHistory is classify with one special case: a 404 on a history
// listing means the provider expired the cursor, which the sync layer
// recovers from with a rescan rather than treating as a dead job.
func classifyHistory(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %v", consts.ErrCursorExpired, err)
	}
	return classify(err)
}

func isRateReason(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

func retryAfterHeader(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header == nil {
		return 0
	}
	v := apiErr.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
