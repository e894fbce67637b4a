package relate

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/queue"
)

// NewStatsHandler returns the queue handler that recomputes one contact's
// aggregates and strength. The recompute reads the full interaction history,
// so running it twice, or late, or out of order is always safe.
func NewStatsHandler(store Store, scorer ScoreStrategy) queue.Handler {
	return func(ctx context.Context, job *db.Job) error {
		var payload queue.ContactStatsPayload
		if err := queue.DecodePayload(job.Payload, &payload); err != nil {
			return faults.Permanent(err)
		}

		stats, err := store.GetInteractionStats(ctx, payload.ContactID)
		if err != nil {
			return err
		}
		strength := scorer.Score(stats, time.Now())

		if err := store.UpdateContactStats(ctx, payload.ContactID, strength); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				// Deleted or merged away while the job was queued.
				return nil
			}
			return err
		}
		logger.Debug("contact stats updated", "contact_id", payload.ContactID,
			"strength", strength, "sent", stats.SentCount, "received", stats.ReceivedCount)
		return nil
	}
}
