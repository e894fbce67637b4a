// Package relate maintains the interaction graph between an account owner and
// their contacts, and derives per-contact relationship strength from it.
// Interaction recording is idempotent; strength recomputation is debounced
// through a deduplicated queue job so message bursts cost one recompute.
package relate

import (
	"context"
	"time"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/queue"
)

// Store is the persistence surface the recorder and stats handler need.
// *db.Database implements it.
type Store interface {
	RecordInteraction(ctx context.Context, messageID, contactID int64, direction string, occurredAt time.Time) (bool, error)
	GetInteractionStats(ctx context.Context, contactID int64) (*db.InteractionStats, error)
	UpdateContactStats(ctx context.Context, contactID int64, strength float64) error
}

// Enqueuer schedules the debounced stats jobs. *queue.Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...queue.EnqueueOption) (*db.Job, bool, error)
}

// Recorder turns a processed message into interaction edges.
type Recorder struct {
	store    Store
	jobs     Enqueuer
	debounce time.Duration
}

func NewRecorder(store Store, jobs Enqueuer, debounce time.Duration) *Recorder {
	return &Recorder{store: store, jobs: jobs, debounce: debounce}
}

// Record writes the interaction edges for one message.
//
// Direction is from the owner's point of view: a message the owner sent is an
// outbound interaction with every counterparty recipient; a message someone
// else sent is an inbound interaction with that sender only. Co-recipients of
// received mail are contacts but not interactions, since nothing passed
// between them and the owner.
func (r *Recorder) Record(ctx context.Context, msg *db.Message, ownerEmail string, contactIDs map[string]int64) error {
	type edge struct {
		contactID int64
		direction string
	}
	var edges []edge

	if msg.FromEmail == ownerEmail {
		for email, contactID := range contactIDs {
			if isRecipient(msg, email) {
				edges = append(edges, edge{contactID, db.DirectionOutbound})
			}
		}
	} else if contactID, ok := contactIDs[msg.FromEmail]; ok {
		edges = append(edges, edge{contactID, db.DirectionInbound})
	}

	for _, e := range edges {
		inserted, err := r.store.RecordInteraction(ctx, msg.ID, e.contactID, e.direction, msg.InternalDate)
		if err != nil {
			return err
		}
		if !inserted {
			continue // replay of an already processed message
		}
		// Debounced: a burst of interactions for one contact collapses into
		// the single pending job, which runs after the quiet period.
		_, _, err = r.jobs.Enqueue(ctx, queue.KindContactStats,
			&queue.ContactStatsPayload{AccountID: msg.AccountID, ContactID: e.contactID},
			queue.WithDedupeKey(queue.StatsDedupeKey(e.contactID)),
			queue.WithAccountID(msg.AccountID),
			queue.WithRunAt(time.Now().Add(r.debounce)),
			queue.WithPriority(queue.PriorityLow))
		if err != nil {
			logger.Warn("failed to enqueue stats recompute",
				"contact_id", e.contactID, "error", err)
		}
	}
	return nil
}

func isRecipient(msg *db.Message, email string) bool {
	for _, a := range msg.ToAddrs {
		if a.Email == email {
			return true
		}
	}
	for _, a := range msg.CcAddrs {
		if a.Email == email {
			return true
		}
	}
	for _, a := range msg.BccAddrs {
		if a.Email == email {
			return true
		}
	}
	return false
}
