package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/helpers"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/queue"
)

// Store is the persistence surface the pipeline needs. *db.Database
// implements it.
type Store interface {
	GetAccount(ctx context.Context, accountID int64) (*db.Account, error)
	GetMessage(ctx context.Context, messageID int64) (*db.Message, error)
	EnsureContact(ctx context.Context, accountID int64, email string, isFreemail, isRole bool) (*db.Contact, bool, error)
	UpsertContactField(ctx context.Context, f *db.ContactField) (bool, error)
}

// Recorder records owner-contact interactions for a processed message and
// schedules any follow-up stats work. relate.Recorder implements it.
type Recorder interface {
	Record(ctx context.Context, msg *db.Message, ownerEmail string, contactIDs map[string]int64) error
}

// Enqueuer schedules follow-up jobs. *queue.Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts ...queue.EnqueueOption) (*db.Job, bool, error)
}

// Pipeline runs extraction for one message and reconciles the results.
type Pipeline struct {
	store      Store
	recorder   Recorder
	jobs       Enqueuer
	strategies []Strategy
	enrich     bool
}

func NewPipeline(store Store, recorder Recorder, jobs Enqueuer, enrichEnabled bool) *Pipeline {
	return &Pipeline{
		store:    store,
		recorder: recorder,
		jobs:     jobs,
		strategies: []Strategy{
			HeaderStrategy{},
			SignatureStrategy{},
			BodyMentionStrategy{},
			DomainStrategy{},
		},
		enrich: enrichEnabled,
	}
}

// ProcessMessage extracts, merges, and reconciles contacts for one stored
// message. It is idempotent: reprocessing upserts the same contacts and
// fields and the interaction keys absorb the replay.
func (p *Pipeline) ProcessMessage(ctx context.Context, accountID, messageID int64) error {
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil // unlinked while queued
		}
		return err
	}
	if account.Disabled() {
		return nil
	}

	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return faults.Permanent(fmt.Errorf("message %d no longer exists", messageID))
		}
		return err
	}

	var all []*Candidate
	for _, s := range p.strategies {
		cands := p.runStrategy(s, msg)
		metrics.ExtractionCandidates.WithLabelValues(s.Name()).Add(float64(len(cands)))
		all = append(all, cands...)
	}

	contactIDs := make(map[string]int64)
	for _, cand := range Merge(all) {
		if cand.Email == account.Email {
			continue // the owner is not their own contact
		}
		contactID, err := p.reconcile(ctx, accountID, cand)
		if err != nil {
			return err
		}
		contactIDs[cand.Email] = contactID
	}

	return p.recorder.Record(ctx, msg, account.Email, contactIDs)
}

// runStrategy isolates strategy panics: one misbehaving heuristic degrades to
// zero candidates instead of failing the message.
func (p *Pipeline) runStrategy(s Strategy, msg *db.Message) (cands []*Candidate) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("extraction strategy panicked",
				"strategy", s.Name(), "message_id", msg.ID, "panic", r)
			metrics.ExtractionStrategyErrors.WithLabelValues(s.Name()).Inc()
			cands = nil
		}
	}()
	return s.Extract(msg)
}

func (p *Pipeline) reconcile(ctx context.Context, accountID int64, cand *Candidate) (int64, error) {
	_, domain := helpers.SplitEmailAddress(cand.Email)
	if domain == "" {
		return 0, faults.Permanent(fmt.Errorf("unsplittable candidate address %q", cand.Email))
	}

	contact, created, err := p.store.EnsureContact(ctx, accountID, cand.Email,
		IsFreemailDomain(domain), IsRoleAddress(cand.Email))
	if err != nil {
		return 0, err
	}
	if created {
		metrics.ContactsCreated.Inc()
		if p.enrich {
			_, _, err := p.jobs.Enqueue(ctx, queue.KindEnrich,
				&queue.EnrichPayload{AccountID: accountID, ContactID: contact.ID},
				queue.WithDedupeKey(queue.EnrichDedupeKey(contact.ID)),
				queue.WithAccountID(accountID),
				queue.WithPriority(queue.PriorityLow))
			if err != nil {
				logger.Warn("failed to enqueue enrichment",
					"contact_id", contact.ID, "error", err)
			}
		}
	}

	for field, fv := range cand.Fields {
		applied, err := p.store.UpsertContactField(ctx, &db.ContactField{
			ContactID:  contact.ID,
			Field:      field,
			Value:      fv.Value,
			Confidence: fv.Confidence,
			Source:     fv.Source,
		})
		if err != nil {
			return 0, err
		}
		if applied {
			metrics.ContactFieldsBackfilled.Inc()
		}
	}
	return contact.ID, nil
}

// NewJobHandler adapts the pipeline to the queue.
func NewJobHandler(p *Pipeline) queue.Handler {
	return func(ctx context.Context, job *db.Job) error {
		var payload queue.ExtractPayload
		if err := queue.DecodePayload(job.Payload, &payload); err != nil {
			return faults.Permanent(err)
		}
		return p.ProcessMessage(ctx, payload.AccountID, payload.MessageID)
	}
}
