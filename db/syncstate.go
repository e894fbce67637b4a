package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Sync modes.
const (
	SyncModeInitial     = "initial"
	SyncModeIncremental = "incremental"
	SyncModeBackfill    = "backfill"
)

// SyncState is the per-account watermark. Every update goes through an
// optimistic version check so concurrent workers cannot race the cursor.
type SyncState struct {
	AccountID     int64
	Cursor        string
	Mode          string
	Version       int64
	LastSuccessAt *time.Time
	BackfillUntil *time.Time
	BackfillDone  bool
	HistoryGap    bool
	UpdatedAt     time.Time
}

func scanSyncState(row pgx.Row) (*SyncState, error) {
	var s SyncState
	err := row.Scan(&s.AccountID, &s.Cursor, &s.Mode, &s.Version,
		&s.LastSuccessAt, &s.BackfillUntil, &s.BackfillDone, &s.HistoryGap, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

const syncStateColumns = `account_id, cursor, mode, version, last_success_at,
	backfill_until, backfill_done, history_gap, updated_at`

// GetSyncState reads the current watermark. Always read from the write pool:
// a stale replica cursor would re-fetch pages and, worse, could be advanced
// backwards by a CAS built on old state.
func (db *Database) GetSyncState(ctx context.Context, accountID int64) (*SyncState, error) {
	return scanSyncState(db.WritePool.QueryRow(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE account_id = $1`, accountID))
}

// AdvanceCursor moves the cursor forward using compare-and-swap on the row
// version. It fails with ErrVersionConflict if another worker updated the row
// since it was read, and with ErrCursorRegression if newCursor does not sort
// after the stored cursor (cursors are numeric history ids).
func (db *Database) AdvanceCursor(ctx context.Context, accountID int64, newCursor string, expectedVersion int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE sync_states
		SET cursor = $2, version = version + 1, last_success_at = now(), updated_at = now()
		WHERE account_id = $1
		  AND version = $3
		  AND (cursor = '' OR cursor::numeric <= $2::numeric)`,
		accountID, newCursor, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost CAS from an attempted rewind.
		state, gerr := db.GetSyncState(ctx, accountID)
		if gerr != nil {
			return gerr
		}
		if state.Version != expectedVersion {
			return ErrVersionConflict
		}
		return ErrCursorRegression
	}
	return nil
}

// ResetSyncState is the one sanctioned cursor rewind: a full resync requested
// by an operator, or a provider-expired cursor falling back to "now". The
// historyGap flag records that older history may be missing.
func (db *Database) ResetSyncState(ctx context.Context, accountID int64, cursor string, historyGap bool) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE sync_states
		SET cursor = $2, mode = $3, version = version + 1,
		    backfill_until = NULL, backfill_done = FALSE,
		    history_gap = $4, updated_at = now()
		WHERE account_id = $1`,
		accountID, cursor, SyncModeInitial, historyGap)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSyncMode records which sync mode currently owns the account.
func (db *Database) SetSyncMode(ctx context.Context, accountID int64, mode string) error {
	_, err := db.WritePool.Exec(ctx, `
		UPDATE sync_states SET mode = $2, updated_at = now() WHERE account_id = $1`,
		accountID, mode)
	return err
}

// SetBackfillProgress records how far back deep backfill has walked, and
// whether it reached the configured horizon or source exhaustion.
func (db *Database) SetBackfillProgress(ctx context.Context, accountID int64, until time.Time, done bool) error {
	_, err := db.WritePool.Exec(ctx, `
		UPDATE sync_states
		SET backfill_until = $2, backfill_done = $3, updated_at = now()
		WHERE account_id = $1`,
		accountID, until, done)
	return err
}

// MarkSyncSuccess bumps the last-success timestamp without touching the
// cursor, used when a run finds no new history.
func (db *Database) MarkSyncSuccess(ctx context.Context, accountID int64) error {
	_, err := db.WritePool.Exec(ctx, `
		UPDATE sync_states SET last_success_at = now(), updated_at = now()
		WHERE account_id = $1`, accountID)
	return err
}
