package httpapi

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/migadu/rolo/helpers"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/queue"
)

// pushEnvelope is the Pub/Sub push wrapper around a mailbox notification.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushNotification is the provider payload inside the envelope.
type pushNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleWebhook ingests provider push notifications. It always acknowledges
// with 200: a non-2xx response makes the provider redeliver, and a
// notification we cannot use now is recovered by the fallback poller anyway.
// The notification itself is treated purely as a hint to sync sooner; its
// history id is never trusted as a cursor.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	ack := func(result string) {
		metrics.WebhookReceived.WithLabelValues(result).Inc()
		w.WriteHeader(http.StatusOK)
	}

	token := r.URL.Query().Get("token")
	if s.webhookToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookToken)) != 1 {
		logger.Warn("webhook rejected: bad token", "remote", getClientIP(r))
		ack("unauthorized")
		return
	}

	var envelope pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		logger.Warn("webhook rejected: malformed envelope", "error", err)
		ack("malformed")
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
	}
	if err != nil {
		logger.Warn("webhook rejected: undecodable payload", "error", err)
		ack("malformed")
		return
	}

	var notification pushNotification
	if err := json.Unmarshal(data, &notification); err != nil || notification.EmailAddress == "" {
		logger.Warn("webhook rejected: malformed notification", "error", err)
		ack("malformed")
		return
	}

	account, err := s.database.GetAccountByEmail(r.Context(), notification.EmailAddress)
	if err != nil {
		// Stale subscriptions keep pushing after unlink. Nothing to do.
		logger.Debug("webhook for unknown account",
			"email", helpers.MaskEmail(notification.EmailAddress))
		ack("unknown_account")
		return
	}

	_, created, err := s.jobs.Enqueue(r.Context(), queue.KindSyncAccount,
		&queue.SyncPayload{AccountID: account.ID},
		queue.WithDedupeKey(queue.SyncDedupeKey(account.ID)),
		queue.WithAccountID(account.ID),
		queue.WithPriority(queue.PriorityHigh))
	if err != nil {
		logger.Error("webhook enqueue failed", "account_id", account.ID, "error", err)
		ack("enqueue_failed")
		return
	}

	logger.Debug("webhook accepted", "account_id", account.ID,
		"history_id", notification.HistoryID, "created", created)
	ack("accepted")
}
