package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/rolo/helpers"
)

// Message is an immutable ingested mail record. Re-ingestion of the same
// provider message updates mutable metadata (labels) but never duplicates.
type Message struct {
	ID                int64
	AccountID         int64
	ProviderMessageID string
	ThreadID          string
	Subject           string
	FromEmail         string
	FromName          string
	ToAddrs           []helpers.ParsedAddress
	CcAddrs           []helpers.ParsedAddress
	BccAddrs          []helpers.ParsedAddress
	Snippet           string
	BodyText          string
	ContentHash       string
	Labels            []string
	InternalDate      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const messageColumns = `id, account_id, provider_message_id, thread_id, subject,
	from_email, from_name, to_addrs, cc_addrs, bcc_addrs, snippet, body_text,
	content_hash, labels, internal_date, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var toJSON, ccJSON, bccJSON []byte
	err := row.Scan(&m.ID, &m.AccountID, &m.ProviderMessageID, &m.ThreadID,
		&m.Subject, &m.FromEmail, &m.FromName, &toJSON, &ccJSON, &bccJSON,
		&m.Snippet, &m.BodyText, &m.ContentHash, &m.Labels, &m.InternalDate,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := decodeAddrs(toJSON, &m.ToAddrs); err != nil {
		return nil, err
	}
	if err := decodeAddrs(ccJSON, &m.CcAddrs); err != nil {
		return nil, err
	}
	if err := decodeAddrs(bccJSON, &m.BccAddrs); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeAddrs(raw []byte, dst *[]helpers.ParsedAddress) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode address list: %w", err)
	}
	return nil
}

// UpsertMessage stores a parsed message. It returns the stored row and
// whether it was newly inserted; an existing row only has its labels and
// update timestamp refreshed, keeping ingestion idempotent.
func (db *Database) UpsertMessage(ctx context.Context, m *Message) (*Message, bool, error) {
	toJSON, err := json.Marshal(orEmpty(m.ToAddrs))
	if err != nil {
		return nil, false, err
	}
	ccJSON, err := json.Marshal(orEmpty(m.CcAddrs))
	if err != nil {
		return nil, false, err
	}
	bccJSON, err := json.Marshal(orEmpty(m.BccAddrs))
	if err != nil {
		return nil, false, err
	}

	labels := m.Labels
	if labels == nil {
		labels = []string{}
	}

	row := db.WritePool.QueryRow(ctx, `
		INSERT INTO messages (account_id, provider_message_id, thread_id, subject,
			from_email, from_name, to_addrs, cc_addrs, bcc_addrs, snippet,
			body_text, content_hash, labels, internal_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (account_id, provider_message_id) DO UPDATE
		SET labels = EXCLUDED.labels, updated_at = now()
		RETURNING `+messageColumns+`, (xmax = 0) AS inserted`,
		m.AccountID, m.ProviderMessageID, m.ThreadID,
		helpers.SanitizeUTF8(m.Subject), m.FromEmail,
		helpers.SanitizeUTF8(m.FromName), toJSON, ccJSON, bccJSON,
		helpers.SanitizeUTF8(m.Snippet), helpers.SanitizeUTF8(m.BodyText),
		m.ContentHash, labels, m.InternalDate)

	var stored Message
	var toRaw, ccRaw, bccRaw []byte
	var inserted bool
	err = row.Scan(&stored.ID, &stored.AccountID, &stored.ProviderMessageID,
		&stored.ThreadID, &stored.Subject, &stored.FromEmail, &stored.FromName,
		&toRaw, &ccRaw, &bccRaw, &stored.Snippet, &stored.BodyText,
		&stored.ContentHash, &stored.Labels, &stored.InternalDate,
		&stored.CreatedAt, &stored.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert message: %w", err)
	}
	stored.ToAddrs, stored.CcAddrs, stored.BccAddrs = m.ToAddrs, m.CcAddrs, m.BccAddrs
	return &stored, inserted, nil
}

func orEmpty(addrs []helpers.ParsedAddress) []helpers.ParsedAddress {
	if addrs == nil {
		return []helpers.ParsedAddress{}
	}
	return addrs
}

// GetMessage fetches one message by id.
func (db *Database) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	return scanMessage(db.GetReadPoolWithContext(ctx).QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
}

// ListMessages returns messages for an account, newest first, keyset-paginated
// by beforeID (0 means from the top).
func (db *Database) ListMessages(ctx context.Context, accountID int64, beforeID int64, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if beforeID <= 0 {
		beforeID = int64(1)<<62 - 1
	}
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND id < $2
		ORDER BY id DESC LIMIT $3`, accountID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// QuarantineMessage records a permanently unparseable message so the batch
// can continue and the failure stays visible.
func (db *Database) QuarantineMessage(ctx context.Context, accountID int64, providerMessageID, reason string) error {
	_, err := db.WritePool.Exec(ctx, `
		INSERT INTO quarantined_messages (account_id, provider_message_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, provider_message_id) DO UPDATE SET reason = EXCLUDED.reason`,
		accountID, providerMessageID, helpers.SanitizeUTF8(reason))
	return err
}

// CountQuarantined returns the number of quarantined messages for an account.
func (db *Database) CountQuarantined(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM quarantined_messages WHERE account_id = $1`, accountID).Scan(&n)
	return n, err
}
