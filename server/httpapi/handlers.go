package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/queue"
)

// Request types

type LinkAccountRequest struct {
	Email        string `json:"email"`
	Provider     string `json:"provider,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	RefreshToken string `json:"refresh_token"`
}

type TriggerSyncRequest struct {
	Mode string `json:"mode,omitempty"`
}

type EditContactFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type MergeContactsRequest struct {
	DuplicateIDs []int64 `json:"duplicate_ids"`
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Account handlers

func (s *Server) handleLinkAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req LinkAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" || req.RefreshToken == "" {
		s.writeError(w, http.StatusBadRequest, "Email and refresh token are required")
		return
	}

	ctx := r.Context()
	account, err := s.database.CreateAccount(ctx, db.CreateAccountRequest{
		Email:        req.Email,
		Provider:     req.Provider,
		DisplayName:  req.DisplayName,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicateAccount) {
			s.writeError(w, http.StatusConflict, "Account already linked")
			return
		}
		logger.Error("failed to link account", "email", req.Email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to link account")
		return
	}

	// First sync and push channel registration start immediately.
	_, _, err = s.jobs.Enqueue(ctx, queue.KindSyncAccount,
		&queue.SyncPayload{AccountID: account.ID},
		queue.WithDedupeKey(queue.SyncDedupeKey(account.ID)),
		queue.WithAccountID(account.ID),
		queue.WithPriority(queue.PriorityHigh))
	if err != nil {
		logger.Error("failed to enqueue initial sync", "account_id", account.ID, "error", err)
	}
	_, _, err = s.jobs.Enqueue(ctx, queue.KindRenewWatch,
		&queue.RenewWatchPayload{AccountID: account.ID},
		queue.WithAccountID(account.ID))
	if err != nil {
		logger.Error("failed to enqueue watch registration", "account_id", account.ID, "error", err)
	}

	s.writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"
	accounts, err := s.database.ListAccounts(r.Context(), includeDisabled)
	if err != nil {
		logger.Error("failed to list accounts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error listing accounts")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	account, err := s.database.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("failed to get account", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get account")
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

// handleAccountStatus reports the user-facing sync picture: status, cursor
// freshness, backfill progress, quarantine count, and whether a provider-side
// history gap may have dropped messages.
func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	ctx := r.Context()

	account, err := s.database.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("failed to get account", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get account")
		return
	}
	state, err := s.database.GetSyncState(ctx, accountID)
	if err != nil {
		logger.Error("failed to get sync state", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get sync state")
		return
	}
	quarantined, err := s.database.CountQuarantined(ctx, accountID)
	if err != nil {
		logger.Error("failed to count quarantined messages", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get quarantine count")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":      account.ID,
		"email":           account.Email,
		"status":          account.Status,
		"status_reason":   account.StatusReason,
		"sync_mode":       state.Mode,
		"last_success_at": state.LastSuccessAt,
		"backfill_until":  state.BackfillUntil,
		"backfill_done":   state.BackfillDone,
		"history_gap":     state.HistoryGap,
		"quarantined":     quarantined,
	})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	accountID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	var req TriggerSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	switch req.Mode {
	case "", db.SyncModeInitial, db.SyncModeIncremental, db.SyncModeBackfill:
	default:
		s.writeError(w, http.StatusBadRequest, "Unknown sync mode")
		return
	}

	job, created, err := s.jobs.Enqueue(r.Context(), queue.KindSyncAccount,
		&queue.SyncPayload{AccountID: accountID, Mode: req.Mode},
		queue.WithDedupeKey(queue.SyncDedupeKey(accountID)),
		queue.WithAccountID(accountID),
		queue.WithPriority(queue.PriorityHigh))
	if err != nil {
		logger.Error("failed to enqueue sync", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to enqueue sync")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":  job.ID,
		"created": created,
	})
}

// handleResync wipes the cursor and starts over from scratch. This is the
// operator remedy for a suspected gap; existing messages dedupe so it is safe,
// just expensive.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	ctx := r.Context()

	if err := s.database.ResetSyncState(ctx, accountID, "", false); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("failed to reset sync state", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to reset sync state")
		return
	}

	job, created, err := s.jobs.Enqueue(ctx, queue.KindSyncAccount,
		&queue.SyncPayload{AccountID: accountID},
		queue.WithDedupeKey(queue.SyncDedupeKey(accountID)),
		queue.WithAccountID(accountID),
		queue.WithPriority(queue.PriorityHigh))
	if err != nil {
		logger.Error("failed to enqueue resync", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to enqueue resync")
		return
	}

	logger.Info("full resync requested", "account_id", accountID)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":  job.ID,
		"created": created,
	})
}

// handleUnlinkAccount disables the account and stops its background work. The
// provider push channel is stopped best-effort; an expired channel dies on its
// own anyway.
func (s *Server) handleUnlinkAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	ctx := r.Context()

	account, err := s.database.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		logger.Error("failed to get account", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get account")
		return
	}

	if err := s.database.DisableAccount(ctx, accountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusConflict, "Account already unlinked")
			return
		}
		logger.Error("failed to disable account", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to unlink account")
		return
	}

	cancelled, err := s.database.CancelJobsForAccount(ctx, accountID)
	if err != nil {
		logger.Error("failed to cancel account jobs", "account_id", accountID, "error", err)
	}

	if s.clients != nil {
		if client, cerr := s.clients(ctx, account); cerr == nil {
			if serr := client.StopWatch(ctx); serr != nil {
				logger.Warn("failed to stop push channel", "account_id", accountID, "error", serr)
			}
		}
	}
	if s.limiters != nil {
		s.limiters.Forget(accountID)
	}

	logger.Info("account unlinked", "account_id", accountID, "jobs_cancelled", cancelled)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":     accountID,
		"jobs_cancelled": cancelled,
	})
}

// Contact handlers

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	contacts, err := s.database.ListContacts(r.Context(), accountID, limit, offset)
	if err != nil {
		logger.Error("failed to list contacts", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error listing contacts")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
		"total":    len(contacts),
	})
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contactID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid contact id")
		return
	}
	ctx := r.Context()

	contact, err := s.database.GetContact(ctx, contactID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		logger.Error("failed to get contact", "contact_id", contactID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}
	fields, err := s.database.GetContactFields(ctx, contact.ID)
	if err != nil {
		logger.Error("failed to get contact fields", "contact_id", contact.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get contact fields")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contact": contact,
		"fields":  fields,
	})
}

var editableFields = map[string]bool{
	db.FieldName:    true,
	db.FieldTitle:   true,
	db.FieldCompany: true,
	db.FieldPhone:   true,
	db.FieldSocial:  true,
	db.FieldWebsite: true,
}

// handleEditContactField stores a user-supplied field value. User edits land
// unconditionally and freeze the field against automated overwrites.
func (s *Server) handleEditContactField(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	contactID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid contact id")
		return
	}
	var req EditContactFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if !editableFields[req.Field] {
		s.writeError(w, http.StatusBadRequest, "Unknown field")
		return
	}

	if _, err := s.database.GetContact(r.Context(), contactID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		logger.Error("failed to get contact", "contact_id", contactID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}

	_, err := s.database.UpsertContactField(r.Context(), &db.ContactField{
		ContactID:  contactID,
		Field:      req.Field,
		Value:      req.Value,
		Confidence: 1.0,
		Source:     "user",
		UserEdited: true,
	})
	if err != nil {
		logger.Error("failed to store user field edit", "contact_id", contactID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save field")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contact_id": contactID,
		"field":      req.Field,
		"value":      req.Value,
	})
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	contactID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid contact id")
		return
	}
	limit := queryInt(r, "limit", 50)

	interactions, err := s.database.ListInteractionsForContact(r.Context(), contactID, limit)
	if err != nil {
		logger.Error("failed to list interactions", "contact_id", contactID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error listing interactions")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"interactions": interactions,
		"total":        len(interactions),
	})
}

func (s *Server) handleMergeContacts(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	survivorID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid contact id")
		return
	}
	var req MergeContactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.DuplicateIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one duplicate id is required")
		return
	}
	for _, id := range req.DuplicateIDs {
		if id == survivorID {
			s.writeError(w, http.StatusBadRequest, "A contact cannot be merged into itself")
			return
		}
	}

	survivor, err := s.database.GetContact(r.Context(), survivorID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		logger.Error("failed to get contact", "contact_id", survivorID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}

	if err := s.database.MergeContacts(r.Context(), survivor.ID, req.DuplicateIDs); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Contact not found")
			return
		}
		logger.Error("failed to merge contacts", "survivor_id", survivor.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to merge contacts")
		return
	}

	// Merged interaction history changes the survivor's aggregates.
	_, _, err = s.jobs.Enqueue(r.Context(), queue.KindContactStats,
		&queue.ContactStatsPayload{AccountID: survivor.AccountID, ContactID: survivor.ID},
		queue.WithDedupeKey(queue.StatsDedupeKey(survivor.ID)),
		queue.WithPriority(queue.PriorityLow))
	if err != nil {
		logger.Error("failed to enqueue stats refresh after merge",
			"contact_id", survivor.ID, "error", err)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"survivor_id": survivor.ID,
		"merged":      len(req.DuplicateIDs),
	})
}

// Message handlers

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	limit := queryInt(r, "limit", 50)
	beforeID := int64(queryInt(r, "before_id", 0))

	messages, err := s.database.ListMessages(r.Context(), accountID, beforeID, limit)
	if err != nil {
		logger.Error("failed to list messages", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error listing messages")
		return
	}

	var nextBefore int64
	if len(messages) > 0 {
		nextBefore = messages[len(messages)-1].ID
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":    messages,
		"total":       len(messages),
		"next_before": nextBefore,
	})
}

// Job handlers

func (s *Server) handleListDeadJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	jobs, err := s.database.ListDeadJobs(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list dead jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error listing dead jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (s *Server) handleRetryDeadJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid job id")
		return
	}
	if err := s.database.RetryDeadJob(r.Context(), jobID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusConflict,
				"Job is not dead, does not exist, or its dedupe key is held by a live job")
			return
		}
		logger.Error("failed to retry dead job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retry job")
		return
	}
	logger.Info("dead job resurrected", "job_id", jobID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "state": "pending"})
}
