// Package syncer keeps local message storage convergent with remote
// mailboxes. Three modes cover a mailbox's lifecycle: initial sync captures a
// recent window and anchors the change cursor, incremental sync walks
// provider history from that cursor, and deep backfill walks older mail
// window by window until the configured horizon.
//
// Progress is committed page-wise: messages are stored durably before the
// cursor advances past them, so a crash at any point replays at most one
// page into idempotent upserts.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/rolo/config"
	"github.com/migadu/rolo/consts"
	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/mailbox"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/queue"
)

// Store is the persistence surface sync needs. *db.Database implements it.
type Store interface {
	GetAccount(ctx context.Context, accountID int64) (*db.Account, error)
	UpdateAccountStatus(ctx context.Context, accountID int64, status, reason string) error
	UpdateAccountWatch(ctx context.Context, accountID int64, expiresAt time.Time) error
	ListAccountsDueForSync(ctx context.Context, olderThan time.Time) ([]*db.Account, error)

	GetSyncState(ctx context.Context, accountID int64) (*db.SyncState, error)
	AdvanceCursor(ctx context.Context, accountID int64, newCursor string, expectedVersion int64) error
	ResetSyncState(ctx context.Context, accountID int64, cursor string, historyGap bool) error
	SetSyncMode(ctx context.Context, accountID int64, mode string) error
	SetBackfillProgress(ctx context.Context, accountID int64, until time.Time, done bool) error
	MarkSyncSuccess(ctx context.Context, accountID int64) error

	UpsertMessage(ctx context.Context, m *db.Message) (*db.Message, bool, error)
	QuarantineMessage(ctx context.Context, accountID int64, providerMessageID, reason string) error
}

// Archive persists raw bodies. *storage.S3Storage implements it.
type Archive interface {
	Put(ctx context.Context, hash string, body []byte) error
}

// BodyCache fronts the archive locally; misses are harmless. *cache.Cache
// implements it.
type BodyCache interface {
	Put(hash string, body []byte) error
}

// Enqueuer schedules follow-up jobs. *queue.Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...queue.EnqueueOption) (*db.Job, bool, error)
}

// ClientFactory builds a provider client for one account.
type ClientFactory func(ctx context.Context, account *db.Account) (mailbox.Client, error)

// Syncer orchestrates sync runs.
type Syncer struct {
	store   Store
	clients ClientFactory
	archive Archive
	cache   BodyCache
	jobs    Enqueuer

	pollInterval     time.Duration
	pageSize         int
	fetchConcurrency int
	initialWindow    time.Duration
	backfillWindow   time.Duration
	backfillHorizon  time.Duration

	watchTopic string
}

func New(store Store, clients ClientFactory, archive Archive, cache BodyCache, jobs Enqueuer, cfg config.SyncConfig, watchTopic string) (*Syncer, error) {
	pollInterval, err := cfg.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid poll_interval: %w", err)
	}
	initialWindow, err := cfg.GetInitialWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid initial_window: %w", err)
	}
	backfillWindow, err := cfg.GetBackfillWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid backfill_window: %w", err)
	}
	backfillHorizon, err := cfg.GetBackfillHorizon()
	if err != nil {
		return nil, fmt.Errorf("invalid backfill_horizon: %w", err)
	}

	return &Syncer{
		store:            store,
		clients:          clients,
		archive:          archive,
		cache:            cache,
		jobs:             jobs,
		pollInterval:     pollInterval,
		pageSize:         cfg.GetPageSize(),
		fetchConcurrency: cfg.GetFetchConcurrency(),
		initialWindow:    initialWindow,
		backfillWindow:   backfillWindow,
		backfillHorizon:  backfillHorizon,
		watchTopic:       watchTopic,
	}, nil
}

// SyncAccount runs one sync pass for an account. forcedMode overrides the
// orchestrator's choice for operator-triggered runs; empty means decide from
// state. Errors keep their fault class so the queue can route them.
func (s *Syncer) SyncAccount(ctx context.Context, accountID int64, forcedMode string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil // unlinked while queued
		}
		return err
	}
	if account.Disabled() {
		return nil
	}
	if account.Status == db.AccountNeedsReauth && forcedMode == "" {
		logger.Debug("skipping sync, account needs reauth", "account_id", accountID)
		return nil
	}

	state, err := s.store.GetSyncState(ctx, accountID)
	if err != nil {
		return err
	}

	mode := forcedMode
	if mode == "" {
		if state.Cursor == "" {
			mode = db.SyncModeInitial
		} else {
			mode = db.SyncModeIncremental
		}
	}

	client, err := s.clients(ctx, account)
	if err != nil {
		return s.settleSyncError(ctx, account, mode, err)
	}

	if err := s.store.UpdateAccountStatus(ctx, accountID, db.AccountSyncing, ""); err != nil {
		return err
	}

	switch mode {
	case db.SyncModeInitial:
		err = s.runInitial(ctx, client, account, state)
	case db.SyncModeIncremental:
		err = s.runIncremental(ctx, client, account, state)
	case db.SyncModeBackfill:
		err = s.runBackfillToHorizon(ctx, client, account)
	default:
		err = faults.Invariant(fmt.Errorf("unknown sync mode %q", mode))
	}
	if err != nil {
		if errors.Is(err, errAccountDisabled) {
			logger.Info("sync stopped, account unlinked mid-run", "account_id", accountID)
			return nil
		}
		metrics.SyncRuns.WithLabelValues(mode, "error").Inc()
		return s.settleSyncError(ctx, account, mode, err)
	}

	// Each pass also walks one deep-backfill window until the horizon is
	// reached, so old mail arrives steadily without starving fresh mail.
	if mode != db.SyncModeBackfill {
		if st, serr := s.store.GetSyncState(ctx, accountID); serr == nil && !st.BackfillDone {
			if err := s.runBackfill(ctx, client, account, st); err != nil {
				if errors.Is(err, errAccountDisabled) {
					logger.Info("sync stopped, account unlinked mid-run", "account_id", accountID)
					return nil
				}
				metrics.SyncRuns.WithLabelValues(db.SyncModeBackfill, "error").Inc()
				return s.settleSyncError(ctx, account, db.SyncModeBackfill, err)
			}
		}
	}

	metrics.SyncRuns.WithLabelValues(mode, "ok").Inc()
	if err := s.store.MarkSyncSuccess(ctx, accountID); err != nil {
		return err
	}
	return s.store.UpdateAccountStatus(ctx, accountID, db.AccountSynced, "")
}

// errAccountDisabled stops a run whose account was unlinked between pages.
var errAccountDisabled = errors.New("account disabled mid-run")

// checkActive reloads the account so an unlink or delete lands at the next
// page boundary instead of after the whole run.
func (s *Syncer) checkActive(ctx context.Context, accountID int64) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return errAccountDisabled
		}
		return err
	}
	if account.Disabled() {
		return errAccountDisabled
	}
	return nil
}

// settleSyncError records the account-visible consequence of a failed run
// before handing the error back to the queue.
func (s *Syncer) settleSyncError(ctx context.Context, account *db.Account, mode string, err error) error {
	switch faults.ClassOf(err) {
	case faults.KindAuthExpired:
		logger.Warn("sync credentials expired", "account_id", account.ID, "error", err)
		if uerr := s.store.UpdateAccountStatus(ctx, account.ID, db.AccountNeedsReauth, err.Error()); uerr != nil {
			logger.Error("failed to mark account for reauth", "account_id", account.ID, "error", uerr)
		}
	case faults.KindRateLimited:
		// Not a degradation; the queue reschedules without charging budget.
	default:
		if uerr := s.store.UpdateAccountStatus(ctx, account.ID, db.AccountDegraded, err.Error()); uerr != nil {
			logger.Error("failed to mark account degraded", "account_id", account.ID, "error", uerr)
		}
	}
	return fmt.Errorf("%s sync for account %d: %w", mode, account.ID, err)
}

// runInitial captures the recent window and anchors the cursor at the
// profile's history id taken BEFORE listing, so anything arriving during the
// run is covered by the first incremental pass.
func (s *Syncer) runInitial(ctx context.Context, client mailbox.Client, account *db.Account, state *db.SyncState) error {
	profile, err := client.Profile(ctx)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("after:%s", time.Now().Add(-s.initialWindow).Format("2006/01/02"))
	pageToken := ""
	for {
		if err := s.checkActive(ctx, account.ID); err != nil {
			return err
		}
		page, err := client.ListMessageIDs(ctx, query, pageToken, s.pageSize)
		if err != nil {
			return err
		}
		if err := s.fetchAndStore(ctx, client, account, page.MessageIDs); err != nil {
			return err
		}
		metrics.SyncPages.Inc()
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := s.store.AdvanceCursor(ctx, account.ID, profile.HistoryID, state.Version); err != nil {
		return err
	}
	if err := s.store.SetSyncMode(ctx, account.ID, db.SyncModeIncremental); err != nil {
		return err
	}
	// Backfill starts where the initial window ended.
	return s.store.SetBackfillProgress(ctx, account.ID, time.Now().Add(-s.initialWindow), false)
}

// runIncremental walks provider history from the stored cursor, committing
// after every page: messages first, cursor second.
func (s *Syncer) runIncremental(ctx context.Context, client mailbox.Client, account *db.Account, state *db.SyncState) error {
	cursor := state.Cursor
	version := state.Version
	pageToken := ""

	for {
		if err := s.checkActive(ctx, account.ID); err != nil {
			return err
		}
		page, err := client.ListHistory(ctx, cursor, pageToken, s.pageSize)
		if err != nil {
			if errors.Is(err, consts.ErrCursorExpired) {
				return s.recoverExpiredCursor(ctx, client, account)
			}
			return err
		}

		if len(page.AddedIDs) > 0 {
			if err := s.fetchAndStore(ctx, client, account, page.AddedIDs); err != nil {
				return err
			}
		}
		if page.HistoryID != "" && page.HistoryID != cursor {
			if err := s.store.AdvanceCursor(ctx, account.ID, page.HistoryID, version); err != nil {
				// A regression report here means the provider handed us a
				// smaller id mid-walk; treat as done rather than corrupt.
				if errors.Is(err, db.ErrCursorRegression) {
					return nil
				}
				return err
			}
			cursor = page.HistoryID
			version++
		}
		metrics.SyncPages.Inc()

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// recoverExpiredCursor is the sanctioned rewind: the provider no longer holds
// our history position, so re-anchor at "now", flag the potential gap, and
// rescan the recent window to narrow it.
func (s *Syncer) recoverExpiredCursor(ctx context.Context, client mailbox.Client, account *db.Account) error {
	metrics.CursorResets.Inc()
	logger.Warn("history cursor expired, rescanning recent window", "account_id", account.ID)

	profile, err := client.Profile(ctx)
	if err != nil {
		return err
	}
	if err := s.store.ResetSyncState(ctx, account.ID, profile.HistoryID, true); err != nil {
		return err
	}

	// Rescan the initial window; everything already stored dedupes.
	query := fmt.Sprintf("after:%s", time.Now().Add(-s.initialWindow).Format("2006/01/02"))
	pageToken := ""
	for {
		if err := s.checkActive(ctx, account.ID); err != nil {
			return err
		}
		page, err := client.ListMessageIDs(ctx, query, pageToken, s.pageSize)
		if err != nil {
			return err
		}
		if err := s.fetchAndStore(ctx, client, account, page.MessageIDs); err != nil {
			return err
		}
		metrics.SyncPages.Inc()
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return s.store.SetSyncMode(ctx, account.ID, db.SyncModeIncremental)
}

// runBackfillToHorizon drains the remaining backfill windows in one run, for
// operator-forced deep backfills. The lease heartbeat keeps the job alive.
func (s *Syncer) runBackfillToHorizon(ctx context.Context, client mailbox.Client, account *db.Account) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, err := s.store.GetSyncState(ctx, account.ID)
		if err != nil {
			return err
		}
		if state.BackfillDone {
			return nil
		}
		if err := s.runBackfill(ctx, client, account, state); err != nil {
			return err
		}
	}
}

// runBackfill ingests one window of older mail, walking backwards from the
// backfill watermark toward the horizon. The watermark commits after the
// window lands, so a crash repeats at most one window of idempotent upserts.
func (s *Syncer) runBackfill(ctx context.Context, client mailbox.Client, account *db.Account, state *db.SyncState) error {
	if state.BackfillDone {
		return nil
	}

	until := time.Now().Add(-s.initialWindow)
	if state.BackfillUntil != nil {
		until = *state.BackfillUntil
	}
	horizon := time.Now().Add(-s.backfillHorizon)
	if !until.After(horizon) {
		return s.store.SetBackfillProgress(ctx, account.ID, until, true)
	}

	from := until.Add(-s.backfillWindow)
	if from.Before(horizon) {
		from = horizon
	}

	query := fmt.Sprintf("after:%s before:%s",
		from.Format("2006/01/02"), until.AddDate(0, 0, 1).Format("2006/01/02"))
	pageToken := ""
	for {
		if err := s.checkActive(ctx, account.ID); err != nil {
			return err
		}
		page, err := client.ListMessageIDs(ctx, query, pageToken, s.pageSize)
		if err != nil {
			return err
		}
		if err := s.fetchAndStore(ctx, client, account, page.MessageIDs); err != nil {
			return err
		}
		metrics.SyncPages.Inc()
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	done := !from.After(horizon)
	if err := s.store.SetBackfillProgress(ctx, account.ID, from, done); err != nil {
		return err
	}
	if done {
		logger.Info("deep backfill complete", "account_id", account.ID,
			"horizon", horizon.Format("2006-01-02"))
	}
	return nil
}

func (s *Syncer) enqueueSync(ctx context.Context, accountID int64, mode string, priority int) {
	_, _, err := s.jobs.Enqueue(ctx, queue.KindSyncAccount,
		&queue.SyncPayload{AccountID: accountID, Mode: mode},
		queue.WithDedupeKey(queue.SyncDedupeKey(accountID)),
		queue.WithAccountID(accountID),
		queue.WithPriority(priority))
	if err != nil {
		logger.Error("failed to enqueue sync", "account_id", accountID, "mode", mode, "error", err)
	}
}
