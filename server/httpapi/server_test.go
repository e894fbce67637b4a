package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/queue"
)

type fakeJobs struct {
	mu       sync.Mutex
	enqueued []string
}

func (j *fakeJobs) Enqueue(_ context.Context, kind string, _ any, _ ...queue.EnqueueOption) (*db.Job, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enqueued = append(j.enqueued, kind)
	return &db.Job{ID: int64(len(j.enqueued)), Kind: kind}, true, nil
}

func newTestServer() (*Server, *fakeJobs) {
	jobs := &fakeJobs{}
	return &Server{
		apiKey:       "test-api-key",
		webhookToken: "hook-token",
		jobs:         jobs,
	}, jobs
}

func pushBody(email string, historyID uint64) string {
	inner := fmt.Sprintf(`{"emailAddress":%q,"historyId":%d}`, email, historyID)
	return fmt.Sprintf(`{"message":{"data":%q,"messageId":"m1"},"subscription":"s"}`,
		base64.StdEncoding.EncodeToString([]byte(inner)))
}

func TestWebhookAcksBadTokenWithoutProcessing(t *testing.T) {
	s, jobs := newTestServer()
	router := s.setupRoutes()

	req := httptest.NewRequest("POST", "/webhooks/mailbox?token=wrong",
		strings.NewReader(pushBody("owner@example.com", 42)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "a non-2xx response would trigger provider redelivery")
	assert.Empty(t, jobs.enqueued)
}

func TestWebhookAcksMalformedPayloads(t *testing.T) {
	s, jobs := newTestServer()
	router := s.setupRoutes()

	for _, body := range []string{
		"not json at all",
		`{"message":{"data":"!!!not-base64!!!"}}`,
		fmt.Sprintf(`{"message":{"data":%q}}`,
			base64.StdEncoding.EncodeToString([]byte(`{"historyId":5}`))), // no address
	} {
		req := httptest.NewRequest("POST", "/webhooks/mailbox?token=hook-token",
			strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, "body: %s", body)
	}
	assert.Empty(t, jobs.enqueued)
}

func TestWebhookRequiresConfiguredToken(t *testing.T) {
	s, jobs := newTestServer()
	s.webhookToken = ""
	router := s.setupRoutes()

	// With no token configured nothing can authenticate, including an empty
	// presented token.
	req := httptest.NewRequest("POST", "/webhooks/mailbox",
		strings.NewReader(pushBody("owner@example.com", 42)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, jobs.enqueued)
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer()
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic dXNlcg==", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid key", "Bearer test-api-key", http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/accounts", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAllowedHostsMiddleware(t *testing.T) {
	s, _ := newTestServer()
	s.allowedHosts = []string{"10.0.0.5", "192.168.1.0/24"}
	handler := s.allowedHostsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		remote string
		want   int
	}{
		{"10.0.0.5:1234", http.StatusNoContent},
		{"192.168.1.77:1234", http.StatusNoContent},
		{"172.16.0.1:1234", http.StatusForbidden},
	}
	for _, tc := range tests {
		req := httptest.NewRequest("GET", "/healthz", nil)
		req.RemoteAddr = tc.remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "remote %s", tc.remote)
	}
}

func TestGetClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:999"
	assert.Equal(t, "10.0.0.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", getClientIP(req))
}

func TestNewRequiresAPIKeyAndQueue(t *testing.T) {
	_, err := New(nil, ServerOptions{Jobs: &fakeJobs{}})
	require.Error(t, err)

	_, err = New(nil, ServerOptions{APIKey: "k"})
	require.Error(t, err)

	_, err = New(nil, ServerOptions{APIKey: "k", Jobs: &fakeJobs{}})
	require.NoError(t, err)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, 7, queryInt(httptest.NewRequest("GET", "/?limit=7", nil), "limit", 50))
	assert.Equal(t, 50, queryInt(httptest.NewRequest("GET", "/", nil), "limit", 50))
	assert.Equal(t, 50, queryInt(httptest.NewRequest("GET", "/?limit=abc", nil), "limit", 50))
}
