package mailbox

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/migadu/rolo/consts"
	"github.com/migadu/rolo/pkg/faults"
)

func apiError(code int, reasons ...string) *googleapi.Error {
	e := &googleapi.Error{Code: code, Header: http.Header{}}
	for _, r := range reasons {
		e.Errors = append(e.Errors, googleapi.ErrorItem{Reason: r})
	}
	return e
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want faults.Kind
	}{
		{"plain network error", errors.New("connection reset by peer"), faults.KindTransient},
		{"server error", apiError(500), faults.KindTransient},
		{"bad gateway", apiError(502), faults.KindTransient},
		{"too many requests", apiError(429), faults.KindRateLimited},
		{"forbidden rate reason", apiError(403, "userRateLimitExceeded"), faults.KindRateLimited},
		{"forbidden quota reason", apiError(403, "quotaExceeded"), faults.KindRateLimited},
		{"forbidden other", apiError(403, "accessNotConfigured"), faults.KindPermanent},
		{"unauthorized", apiError(401), faults.KindAuthExpired},
		{"token refresh rejected", &oauth2.RetrieveError{}, faults.KindAuthExpired},
		{"bad request", apiError(400), faults.KindPermanent},
		{"not found", apiError(404), faults.KindPermanent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, faults.ClassOf(classify(tc.err)))
		})
	}
}

func TestClassifyHonorsRetryAfter(t *testing.T) {
	e := apiError(429)
	e.Header.Set("Retry-After", "120")

	classified := classify(e)
	assert.Equal(t, faults.KindRateLimited, faults.ClassOf(classified))
	assert.Equal(t, 2*time.Minute, faults.RetryAfterOf(classified))
}

func TestClassifyRetryAfterAbsentIsZero(t *testing.T) {
	classified := classify(apiError(429))
	assert.Zero(t, faults.RetryAfterOf(classified))
}

func TestClassifyHistoryExpiredCursor(t *testing.T) {
	err := classifyHistory(apiError(404))
	assert.ErrorIs(t, err, consts.ErrCursorExpired)
}

func TestClassifyHistoryOtherErrorsUnchanged(t *testing.T) {
	err := classifyHistory(apiError(500))
	assert.NotErrorIs(t, err, consts.ErrCursorExpired)
	assert.Equal(t, faults.KindTransient, faults.ClassOf(err))
}

func TestLimiterRegistryIsPerAccount(t *testing.T) {
	r := NewLimiterRegistry(5, 10)
	a := r.ForAccount(1)
	b := r.ForAccount(2)
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.ForAccount(1))

	r.Forget(1)
	assert.NotSame(t, a, r.ForAccount(1))
}
