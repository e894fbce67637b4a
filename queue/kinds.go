package queue

import (
	"encoding/json"
	"fmt"
)

// Job kinds. Every kind a worker can run must be registered with a handler
// before Start.
const (
	KindSyncAccount   = "sync_account"
	KindIngestMessage = "ingest_message"
	KindExtract       = "extract_contacts"
	KindContactStats  = "update_contact_stats"
	KindEnrich        = "enrich_contact"
	KindRenewWatch    = "renew_watch"
)

// Priorities. Claims order by priority descending, then enqueue order.
const (
	PriorityCritical = 90
	PriorityHigh     = 70
	PriorityNormal   = 50
	PriorityLow      = 30
)

// SyncPayload triggers a sync run for one account. Mode is empty for "let the
// orchestrator decide", or an explicit mode for operator-forced runs.
type SyncPayload struct {
	AccountID int64  `json:"account_id"`
	Mode      string `json:"mode,omitempty"`
}

func (p *SyncPayload) Validate() error {
	if p.AccountID <= 0 {
		return fmt.Errorf("sync payload: missing account id")
	}
	return nil
}

// SyncDedupeKey collapses redundant sync triggers for one account. A webhook
// storm of 50 notifications produces one live sync job.
func SyncDedupeKey(accountID int64) string {
	return fmt.Sprintf("sync:%d", accountID)
}

// IngestPayload fetches and stores a single message that failed inside a sync
// page. Carrying it as its own job gives the message a private retry budget
// instead of holding the page's cursor advance hostage.
type IngestPayload struct {
	AccountID         int64  `json:"account_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

func (p *IngestPayload) Validate() error {
	if p.AccountID <= 0 || p.ProviderMessageID == "" {
		return fmt.Errorf("ingest payload: missing account or message id")
	}
	return nil
}

// IngestDedupeKey keeps one live ingest job per (account, message).
func IngestDedupeKey(accountID int64, providerMessageID string) string {
	return fmt.Sprintf("ingest:%d:%s", accountID, providerMessageID)
}

// ExtractPayload triggers contact extraction for one stored message.
type ExtractPayload struct {
	AccountID int64 `json:"account_id"`
	MessageID int64 `json:"message_id"`
}

func (p *ExtractPayload) Validate() error {
	if p.AccountID <= 0 || p.MessageID <= 0 {
		return fmt.Errorf("extract payload: missing account or message id")
	}
	return nil
}

// ContactStatsPayload triggers a relationship-stats recompute for one contact.
type ContactStatsPayload struct {
	AccountID int64 `json:"account_id"`
	ContactID int64 `json:"contact_id"`
}

func (p *ContactStatsPayload) Validate() error {
	if p.AccountID <= 0 || p.ContactID <= 0 {
		return fmt.Errorf("contact stats payload: missing account or contact id")
	}
	return nil
}

// StatsDedupeKey debounces stats recomputation: a burst of interactions for
// one contact coalesces into the single pending job.
func StatsDedupeKey(contactID int64) string {
	return fmt.Sprintf("stats:%d", contactID)
}

// EnrichPayload triggers asynchronous enrichment for one contact.
type EnrichPayload struct {
	AccountID int64 `json:"account_id"`
	ContactID int64 `json:"contact_id"`
}

func (p *EnrichPayload) Validate() error {
	if p.AccountID <= 0 || p.ContactID <= 0 {
		return fmt.Errorf("enrich payload: missing account or contact id")
	}
	return nil
}

// EnrichDedupeKey keeps one live enrichment job per contact.
func EnrichDedupeKey(contactID int64) string {
	return fmt.Sprintf("enrich:%d", contactID)
}

// RenewWatchPayload renews an account's push notification channel before it
// expires.
type RenewWatchPayload struct {
	AccountID int64 `json:"account_id"`
}

func (p *RenewWatchPayload) Validate() error {
	if p.AccountID <= 0 {
		return fmt.Errorf("renew watch payload: missing account id")
	}
	return nil
}

type validator interface{ Validate() error }

// DecodePayload unmarshals and validates a job payload into dst. Handlers use
// it as their first step so a corrupt payload fails loudly instead of running
// with zero values.
func DecodePayload(raw []byte, dst validator) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed job payload: %w", err)
	}
	return dst.Validate()
}
