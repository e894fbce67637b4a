package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/queue"
)

// NewSyncHandler adapts the syncer to the queue.
func NewSyncHandler(s *Syncer) queue.Handler {
	return func(ctx context.Context, job *db.Job) error {
		var payload queue.SyncPayload
		if err := queue.DecodePayload(job.Payload, &payload); err != nil {
			return faults.Permanent(err)
		}
		return s.SyncAccount(ctx, payload.AccountID, payload.Mode)
	}
}

// NewIngestHandler retries a single message that failed inside a sync page.
// The page has long since committed; this job owns the message's fate.
func NewIngestHandler(s *Syncer) queue.Handler {
	return func(ctx context.Context, job *db.Job) error {
		var payload queue.IngestPayload
		if err := queue.DecodePayload(job.Payload, &payload); err != nil {
			return faults.Permanent(err)
		}

		account, err := s.store.GetAccount(ctx, payload.AccountID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		if account.Disabled() {
			return nil
		}

		client, err := s.clients(ctx, account)
		if err != nil {
			return err
		}
		return s.ingestOne(ctx, client, account, payload.ProviderMessageID)
	}
}

// NewRenewWatchHandler renews an account's push channel. Channels expire on
// the provider's schedule regardless of activity, so renewal runs as a
// periodic job rather than piggybacking on sync.
func NewRenewWatchHandler(s *Syncer) queue.Handler {
	return func(ctx context.Context, job *db.Job) error {
		var payload queue.RenewWatchPayload
		if err := queue.DecodePayload(job.Payload, &payload); err != nil {
			return faults.Permanent(err)
		}

		account, err := s.store.GetAccount(ctx, payload.AccountID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		if account.Disabled() || account.Status == db.AccountNeedsReauth {
			return nil
		}

		client, err := s.clients(ctx, account)
		if err != nil {
			return err
		}
		result, err := client.Watch(ctx, s.watchTopic)
		if err != nil {
			if faults.ClassOf(err) == faults.KindAuthExpired {
				if uerr := s.store.UpdateAccountStatus(ctx, account.ID, db.AccountNeedsReauth, err.Error()); uerr != nil {
					logger.Error("failed to mark account for reauth", "account_id", account.ID, "error", uerr)
				}
			}
			return err
		}

		logger.Info("push channel renewed", "account_id", account.ID,
			"expires_at", result.ExpiresAt)
		return s.store.UpdateAccountWatch(ctx, account.ID, result.ExpiresAt)
	}
}

// Watch channels are renewed this long before they lapse.
const watchRenewalLead = 24 * time.Hour

// StartPoller runs the fallback scheduler until ctx is cancelled. Push
// notifications are the fast path; the poller guarantees every account still
// syncs at least once per poll interval when webhooks are lost, and keeps
// watch channels from lapsing.
func (s *Syncer) StartPoller(ctx context.Context) {
	logger.Info("sync poller started", "interval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sync poller stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Syncer) pollOnce(ctx context.Context) {
	due, err := s.store.ListAccountsDueForSync(ctx, time.Now().Add(-s.pollInterval))
	if err != nil {
		logger.Error("failed to list accounts due for sync", "error", err)
		return
	}
	for _, account := range due {
		s.enqueueSync(ctx, account.ID, "", queue.PriorityNormal)

		if s.watchTopic != "" && watchLapsing(account, time.Now()) {
			_, _, err := s.jobs.Enqueue(ctx, queue.KindRenewWatch,
				&queue.RenewWatchPayload{AccountID: account.ID},
				queue.WithAccountID(account.ID),
				queue.WithPriority(queue.PriorityHigh))
			if err != nil {
				logger.Error("failed to enqueue watch renewal",
					"account_id", account.ID, "error", err)
			}
		}
	}
	if len(due) > 0 {
		logger.Debug("poller enqueued sync jobs", "count", len(due))
	}
}

func watchLapsing(account *db.Account, now time.Time) bool {
	if account.WatchExpiresAt == nil {
		return true // never watched
	}
	return account.WatchExpiresAt.Before(now.Add(watchRenewalLead))
}
