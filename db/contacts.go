package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/migadu/rolo/helpers"
)

// Well-known contact field names. Anything else is stored verbatim so
// enrichment providers can add fields without a migration.
const (
	FieldName    = "name"
	FieldTitle   = "title"
	FieldCompany = "company"
	FieldPhone   = "phone"
	FieldSocial  = "social"
	FieldWebsite = "website"
)

// Contact is a person known to an account, keyed by normalized address.
type Contact struct {
	ID            int64
	AccountID     int64
	Email         string
	Domain        string
	IsFreemail    bool
	IsRole        bool
	SentCount     int64
	ReceivedCount int64
	FirstSeenAt   *time.Time
	LastSeenAt    *time.Time
	Strength      float64
	MergedInto    *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// ContactField is one attribute of a contact with its provenance. A field
// edited by the user is frozen: automated writes never touch it again.
type ContactField struct {
	ContactID  int64
	Field      string
	Value      string
	Confidence float64
	Source     string
	UserEdited bool
	UpdatedAt  time.Time
}

const contactColumns = `id, account_id, email, domain, is_freemail, is_role,
	sent_count, received_count, first_seen_at, last_seen_at, strength,
	merged_into, created_at, updated_at, deleted_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.AccountID, &c.Email, &c.Domain, &c.IsFreemail,
		&c.IsRole, &c.SentCount, &c.ReceivedCount, &c.FirstSeenAt, &c.LastSeenAt,
		&c.Strength, &c.MergedInto, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetContactByEmail fetches the live contact for an address within an account.
func (db *Database) GetContactByEmail(ctx context.Context, accountID int64, email string) (*Contact, error) {
	normalized, err := helpers.NormalizeEmail(email)
	if err != nil {
		return nil, ErrNotFound
	}
	return scanContact(db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE account_id = $1 AND email = $2
		  AND deleted_at IS NULL AND merged_into IS NULL`,
		accountID, normalized))
}

// GetContact fetches one contact by id, following at most one merge hop.
func (db *Database) GetContact(ctx context.Context, contactID int64) (*Contact, error) {
	c, err := scanContact(db.GetReadPoolWithContext(ctx).QueryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, contactID))
	if err != nil {
		return nil, err
	}
	if c.MergedInto != nil {
		return scanContact(db.GetReadPoolWithContext(ctx).QueryRow(ctx,
			`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, *c.MergedInto))
	}
	return c, nil
}

// EnsureContact finds or creates the live contact for an address. Creation is
// race-safe: a concurrent insert of the same address resolves to the winner's
// row instead of failing the batch.
func (db *Database) EnsureContact(ctx context.Context, accountID int64, email string, isFreemail, isRole bool) (*Contact, bool, error) {
	normalized, err := helpers.NormalizeEmail(email)
	if err != nil {
		return nil, false, fmt.Errorf("invalid contact address: %w", err)
	}
	_, domain := helpers.SplitEmailAddress(normalized)

	contact, err := scanContact(db.WritePool.QueryRow(ctx, `
		INSERT INTO contacts (account_id, email, domain, is_freemail, is_role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, email) WHERE deleted_at IS NULL AND merged_into IS NULL
		DO NOTHING
		RETURNING `+contactColumns,
		accountID, normalized, domain, isFreemail, isRole))
	if err == nil {
		return contact, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to create contact: %w", err)
	}

	contact, err = scanContact(db.WritePool.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE account_id = $1 AND email = $2
		  AND deleted_at IS NULL AND merged_into IS NULL`,
		accountID, normalized))
	if err != nil {
		return nil, false, err
	}
	return contact, false, nil
}

// UpsertContactField writes one field through the merge rule and reports
// whether the write was applied. An automated write lands only when the field
// is absent, empty, or held with strictly lower confidence, and never when the
// user has edited it. userEdited writes always land and freeze the field.
func (db *Database) UpsertContactField(ctx context.Context, f *ContactField) (bool, error) {
	value := helpers.SanitizeUTF8(f.Value)

	var tag pgconn.CommandTag
	var err error
	if f.UserEdited {
		tag, err = db.WritePool.Exec(ctx, `
			INSERT INTO contact_fields (contact_id, field, value, confidence, source, user_edited)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			ON CONFLICT (contact_id, field) DO UPDATE
			SET value = EXCLUDED.value, confidence = EXCLUDED.confidence,
			    source = EXCLUDED.source, user_edited = TRUE, updated_at = now()`,
			f.ContactID, f.Field, value, f.Confidence, f.Source)
	} else {
		tag, err = db.WritePool.Exec(ctx, `
			INSERT INTO contact_fields (contact_id, field, value, confidence, source, user_edited)
			VALUES ($1, $2, $3, $4, $5, FALSE)
			ON CONFLICT (contact_id, field) DO UPDATE
			SET value = EXCLUDED.value, confidence = EXCLUDED.confidence,
			    source = EXCLUDED.source, updated_at = now()
			WHERE NOT contact_fields.user_edited
			  AND (contact_fields.value = '' OR contact_fields.confidence < EXCLUDED.confidence)`,
			f.ContactID, f.Field, value, f.Confidence, f.Source)
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert contact field: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetContactFields returns all fields of a contact.
func (db *Database) GetContactFields(ctx context.Context, contactID int64) ([]*ContactField, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT contact_id, field, value, confidence, source, user_edited, updated_at
		FROM contact_fields WHERE contact_id = $1 ORDER BY field`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []*ContactField
	for rows.Next() {
		var f ContactField
		if err := rows.Scan(&f.ContactID, &f.Field, &f.Value, &f.Confidence,
			&f.Source, &f.UserEdited, &f.UpdatedAt); err != nil {
			return nil, err
		}
		fields = append(fields, &f)
	}
	return fields, rows.Err()
}

// ListContacts returns live contacts for an account ordered by relationship
// strength, strongest first.
func (db *Database) ListContacts(ctx context.Context, accountID int64, limit, offset int) ([]*Contact, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE account_id = $1 AND deleted_at IS NULL AND merged_into IS NULL
		ORDER BY strength DESC, id ASC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// UpdateContactStats recomputes a contact's aggregate interaction columns and
// relationship strength from the interactions table. The aggregates are
// derived data, so clobbering them is safe regardless of job ordering.
func (db *Database) UpdateContactStats(ctx context.Context, contactID int64, strength float64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE contacts c
		SET sent_count = s.sent, received_count = s.received,
		    first_seen_at = s.first_seen, last_seen_at = s.last_seen,
		    strength = $2, updated_at = now()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE direction = 'outbound') AS sent,
				COUNT(*) FILTER (WHERE direction = 'inbound')  AS received,
				MIN(occurred_at) AS first_seen,
				MAX(occurred_at) AS last_seen
			FROM interactions
			WHERE contact_id = $1
		) s
		WHERE c.id = $1`, contactID, strength)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeContacts folds duplicate contacts into a surviving row. Fields move
// over under the usual merge rule, interactions are repointed, and the
// duplicates keep a merged_into tombstone so old ids still resolve.
func (db *Database) MergeContacts(ctx context.Context, survivorID int64, duplicateIDs []int64) error {
	if len(duplicateIDs) == 0 {
		return nil
	}
	for _, id := range duplicateIDs {
		if id == survivorID {
			return fmt.Errorf("contact %d cannot be merged into itself", id)
		}
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// DISTINCT ON keeps one winner per field so the upsert never touches the
	// same target row twice in one statement.
	_, err = tx.Exec(ctx, `
		INSERT INTO contact_fields (contact_id, field, value, confidence, source, user_edited)
		SELECT DISTINCT ON (field) $1::bigint, field, value, confidence, source, user_edited
		FROM contact_fields
		WHERE contact_id = ANY($2)
		ORDER BY field, user_edited DESC, confidence DESC
		ON CONFLICT (contact_id, field) DO UPDATE
		SET value = EXCLUDED.value, confidence = EXCLUDED.confidence,
		    source = EXCLUDED.source, user_edited = EXCLUDED.user_edited,
		    updated_at = now()
		WHERE NOT contact_fields.user_edited
		  AND (EXCLUDED.user_edited
		       OR contact_fields.value = ''
		       OR contact_fields.confidence < EXCLUDED.confidence)`,
		survivorID, duplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to merge contact fields: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE interactions SET contact_id = $1
		WHERE contact_id = ANY($2)
		  AND NOT EXISTS (
			SELECT 1 FROM interactions e
			WHERE e.message_id = interactions.message_id
			  AND e.contact_id = $1
			  AND e.direction = interactions.direction)`,
		survivorID, duplicateIDs)
	if err != nil {
		return fmt.Errorf("failed to repoint interactions: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM interactions WHERE contact_id = ANY($1)`, duplicateIDs); err != nil {
		return fmt.Errorf("failed to drop duplicate interactions: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE contacts SET merged_into = $1, updated_at = now()
		WHERE id = ANY($2) AND merged_into IS NULL AND deleted_at IS NULL`,
		survivorID, duplicateIDs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(duplicateIDs)) {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// DeleteContact soft-deletes a contact. Its address becomes free for a fresh
// contact row, the old one is kept for audit.
func (db *Database) DeleteContact(ctx context.Context, contactID int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE contacts SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, contactID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
