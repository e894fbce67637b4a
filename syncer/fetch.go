package syncer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/mailbox"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/queue"
)

// fetchAndStore downloads one page of messages and lands them durably.
// Fetches run concurrently up to the configured bound; each message is
// archived before its row is written, so a row never points at a body that
// was not stored. Unparseable messages are quarantined and do not fail the
// page.
func (s *Syncer) fetchAndStore(ctx context.Context, client mailbox.Client, account *db.Account, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.ingestOne(gctx, client, account, id)
			if err == nil {
				return nil
			}
			if gctx.Err() != nil || faults.ClassOf(err) != faults.KindTransient {
				return err
			}
			// One flaky message must not hold the page, and with it the
			// cursor, hostage: give it its own job and retry budget and let
			// the page commit.
			return s.requeueMessage(gctx, account, id, err)
		})
	}
	return g.Wait()
}

func (s *Syncer) requeueMessage(ctx context.Context, account *db.Account, providerID string, cause error) error {
	logger.Warn("message ingest failed, requeueing individually",
		"account_id", account.ID, "provider_message_id", providerID, "error", cause)
	_, _, err := s.jobs.Enqueue(ctx, queue.KindIngestMessage,
		&queue.IngestPayload{AccountID: account.ID, ProviderMessageID: providerID},
		queue.WithDedupeKey(queue.IngestDedupeKey(account.ID, providerID)),
		queue.WithAccountID(account.ID))
	if err != nil {
		return cause // the page retries; the message is not lost
	}
	return nil
}

func (s *Syncer) ingestOne(ctx context.Context, client mailbox.Client, account *db.Account, providerID string) error {
	raw, err := client.GetMessage(ctx, providerID)
	if err != nil {
		if faults.ClassOf(err) == faults.KindPermanent {
			// Vanished between list and fetch. Common with spam purges.
			logger.Debug("message gone before fetch",
				"account_id", account.ID, "provider_message_id", providerID)
			return nil
		}
		return err
	}

	msg, err := ParseRaw(account.ID, raw)
	if err != nil {
		if faults.ClassOf(err) == faults.KindPermanent {
			metrics.MessagesQuarantined.Inc()
			return s.store.QuarantineMessage(ctx, account.ID, providerID, err.Error())
		}
		return err
	}

	// Body bytes first, row second. Replays dedupe on the content hash.
	if err := s.archive.Put(ctx, msg.ContentHash, raw.Raw); err != nil {
		return fmt.Errorf("failed to archive message %s: %w", providerID, err)
	}
	if s.cache != nil {
		if err := s.cache.Put(msg.ContentHash, raw.Raw); err != nil {
			logger.Debug("cache write failed", "hash", msg.ContentHash, "error", err)
		}
	}

	stored, inserted, err := s.store.UpsertMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to store message %s: %w", providerID, err)
	}
	if !inserted {
		return nil // replay or label-only update, already extracted
	}

	metrics.MessagesIngested.Inc()
	_, _, err = s.jobs.Enqueue(ctx, queue.KindExtract,
		&queue.ExtractPayload{AccountID: account.ID, MessageID: stored.ID},
		queue.WithAccountID(account.ID))
	if err != nil && !errors.Is(err, context.Canceled) {
		// The message is durable; a missed extraction job is recoverable by
		// an operator resync, so log rather than unwind the page.
		logger.Error("failed to enqueue extraction",
			"account_id", account.ID, "message_id", stored.ID, "error", err)
	}
	return nil
}
