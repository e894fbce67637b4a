// Package enrich augments contacts with data beyond what their messages
// carry. Providers run asynchronously off enrichment jobs and feed their
// findings through the same confidence-gated field merge as extraction, so a
// guessed company can never overwrite an observed one and user edits stay
// untouchable.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/logger"
	"github.com/migadu/rolo/pkg/faults"
	"github.com/migadu/rolo/pkg/metrics"
	"github.com/migadu/rolo/queue"
)

// Suggestion is one field value proposed by a provider.
type Suggestion struct {
	Field      string
	Value      string
	Confidence float64
}

// Provider proposes field values for a contact. held maps field name to the
// currently stored field so providers can skip work for fields already known
// with high confidence.
type Provider interface {
	Name() string
	Enrich(ctx context.Context, contact *db.Contact, held map[string]*db.ContactField) ([]Suggestion, error)
}

// Store is the persistence surface enrichment needs. *db.Database implements
// it.
type Store interface {
	GetContact(ctx context.Context, contactID int64) (*db.Contact, error)
	GetContactFields(ctx context.Context, contactID int64) ([]*db.ContactField, error)
	UpsertContactField(ctx context.Context, f *db.ContactField) (bool, error)
}

// Enricher runs the configured provider chain for one contact.
type Enricher struct {
	store     Store
	providers []Provider
	timeout   time.Duration
}

func New(store Store, timeout time.Duration, providers ...Provider) *Enricher {
	return &Enricher{store: store, providers: providers, timeout: timeout}
}

// EnrichContact runs every provider and applies their suggestions. A failing
// provider is logged and skipped; enrichment is best effort and a flaky
// provider must not dead-letter the job.
func (e *Enricher) EnrichContact(ctx context.Context, contactID int64) error {
	contact, err := e.store.GetContact(ctx, contactID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil // deleted while queued
		}
		return err
	}
	if contact.DeletedAt != nil {
		return nil
	}

	fields, err := e.store.GetContactFields(ctx, contact.ID)
	if err != nil {
		return err
	}
	held := make(map[string]*db.ContactField, len(fields))
	for _, f := range fields {
		held[f.Field] = f
	}

	for _, p := range e.providers {
		suggestions, err := e.runProvider(ctx, p, contact, held)
		if err != nil {
			logger.Warn("enrichment provider failed",
				"provider", p.Name(), "contact_id", contact.ID, "error", err)
			continue
		}
		for _, s := range suggestions {
			if s.Value == "" || s.Field == "" {
				continue
			}
			applied, err := e.store.UpsertContactField(ctx, &db.ContactField{
				ContactID:  contact.ID,
				Field:      s.Field,
				Value:      s.Value,
				Confidence: s.Confidence,
				Source:     "enrich:" + p.Name(),
			})
			if err != nil {
				return err
			}
			if applied {
				metrics.ContactFieldsBackfilled.Inc()
			}
		}
	}
	return nil
}

func (e *Enricher) runProvider(ctx context.Context, p Provider, contact *db.Contact, held map[string]*db.ContactField) ([]Suggestion, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return p.Enrich(ctx, contact, held)
}

// NewJobHandler adapts the enricher to the queue.
func NewJobHandler(e *Enricher) queue.Handler {
	return func(ctx context.Context, job *db.Job) error {
		var payload queue.EnrichPayload
		if err := queue.DecodePayload(job.Payload, &payload); err != nil {
			return faults.Permanent(err)
		}
		return e.EnrichContact(ctx, payload.ContactID)
	}
}

// BuildProviders resolves configured provider names. Unknown names are an
// error at startup rather than a silent skip at runtime.
func BuildProviders(names []string) ([]Provider, error) {
	var out []Provider
	for _, name := range names {
		switch name {
		case "domain":
			out = append(out, DomainProvider{})
		default:
			return nil, fmt.Errorf("unknown enrichment provider %q", name)
		}
	}
	return out, nil
}
