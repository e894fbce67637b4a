package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/rolo/helpers"
)

// Account sync status values surfaced to users.
const (
	AccountNeverSynced = "never_synced"
	AccountSyncing     = "syncing"
	AccountSynced      = "synced"
	AccountDegraded    = "degraded"
	AccountNeedsReauth = "needs_reauth"
)

// Account is an external mailbox identity linked via OAuth.
type Account struct {
	ID              int64
	Email           string
	Provider        string
	ProviderSubject string
	DisplayName     string
	Status          string
	StatusReason    string
	RefreshToken    string
	WatchExpiresAt  *time.Time
	CreatedAt       time.Time
	DisabledAt      *time.Time
}

// Disabled reports whether the account has been unlinked.
func (a *Account) Disabled() bool { return a.DisabledAt != nil }

const accountColumns = `id, email, provider, COALESCE(provider_subject, ''),
	COALESCE(display_name, ''), status, COALESCE(status_reason, ''),
	COALESCE(refresh_token, ''), watch_expires_at, created_at, disabled_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.Provider, &a.ProviderSubject,
		&a.DisplayName, &a.Status, &a.StatusReason,
		&a.RefreshToken, &a.WatchExpiresAt, &a.CreatedAt, &a.DisabledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// CreateAccountRequest carries the parameters for linking a new account.
type CreateAccountRequest struct {
	Email           string
	Provider        string
	ProviderSubject string
	DisplayName     string
	RefreshToken    string
}

// CreateAccount links a new account and initializes its sync state row in one
// transaction.
func (db *Database) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	email, err := helpers.NormalizeEmail(req.Email)
	if err != nil {
		return nil, fmt.Errorf("invalid email address: %w", err)
	}
	provider := req.Provider
	if provider == "" {
		provider = "gmail"
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	account, err := scanAccount(tx.QueryRow(ctx, `
		INSERT INTO accounts (email, provider, provider_subject, display_name, refresh_token)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		RETURNING `+accountColumns,
		email, provider, req.ProviderSubject, req.DisplayName, req.RefreshToken))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateAccount
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_states (account_id) VALUES ($1)`, account.ID); err != nil {
		return nil, fmt.Errorf("failed to create sync state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit account creation: %w", err)
	}
	return account, nil
}

// GetAccount fetches one account by id.
func (db *Database) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	return scanAccount(db.GetReadPoolWithContext(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

// GetAccountByEmail fetches the live account for an address. Webhook payloads
// identify accounts by address, so this lookup sits on the push path.
func (db *Database) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	normalized, err := helpers.NormalizeEmail(email)
	if err != nil {
		return nil, ErrNotFound
	}
	return scanAccount(db.GetReadPoolWithContext(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1 AND disabled_at IS NULL`,
		normalized))
}

// ListAccounts returns all accounts, live first, newest first.
func (db *Database) ListAccounts(ctx context.Context, includeDisabled bool) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if !includeDisabled {
		query += ` WHERE disabled_at IS NULL`
	}
	query += ` ORDER BY disabled_at IS NULL DESC, id DESC`

	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListAccountsDueForSync returns live accounts whose last successful sync is
// older than the poll interval, used by the fallback poller.
func (db *Database) ListAccountsDueForSync(ctx context.Context, olderThan time.Time) ([]*Account, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts a
		JOIN sync_states s ON s.account_id = a.id
		WHERE a.disabled_at IS NULL
		  AND a.status NOT IN ($1, $2)
		  AND (s.last_success_at IS NULL OR s.last_success_at < $3)
		ORDER BY s.last_success_at ASC NULLS FIRST`,
		AccountNeedsReauth, AccountNeverSynced, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccountStatus transitions the user-visible sync status. The reason is
// only stored for degraded and needs_reauth.
func (db *Database) UpdateAccountStatus(ctx context.Context, accountID int64, status, reason string) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE accounts
		SET status = $2, status_reason = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`, accountID, status, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAccountWatch stores the push-notification channel expiry.
func (db *Database) UpdateAccountWatch(ctx context.Context, accountID int64, expiresAt time.Time) error {
	_, err := db.WritePool.Exec(ctx, `
		UPDATE accounts SET watch_expires_at = $2, updated_at = now() WHERE id = $1`,
		accountID, expiresAt)
	return err
}

// DisableAccount soft-deletes an account at unlink time. The caller is
// responsible for cancelling its pending jobs.
func (db *Database) DisableAccount(ctx context.Context, accountID int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE accounts SET disabled_at = now(), updated_at = now()
		WHERE id = $1 AND disabled_at IS NULL`, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
