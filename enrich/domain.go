package enrich

import (
	"context"

	"github.com/migadu/rolo/db"
	"github.com/migadu/rolo/extract"
)

// DomainProvider is the built-in zero-network provider: it derives company
// and website from the contact's domain. It proposes nothing for freemail
// contacts and skips fields already held with equal or better confidence,
// saving pointless merge attempts.
type DomainProvider struct{}

func (DomainProvider) Name() string { return "domain" }

const domainConfidence = extract.ConfidenceDomain

func (DomainProvider) Enrich(_ context.Context, contact *db.Contact, held map[string]*db.ContactField) ([]Suggestion, error) {
	if contact.IsFreemail || contact.Domain == "" {
		return nil, nil
	}

	var out []Suggestion
	if company := extract.CompanyFromDomain(contact.Domain); company != "" && wouldApply(held, db.FieldCompany, domainConfidence) {
		out = append(out, Suggestion{Field: db.FieldCompany, Value: company, Confidence: domainConfidence})
	}
	if wouldApply(held, db.FieldWebsite, domainConfidence) {
		out = append(out, Suggestion{Field: db.FieldWebsite, Value: "https://" + contact.Domain, Confidence: domainConfidence})
	}
	return out, nil
}

func wouldApply(held map[string]*db.ContactField, field string, confidence float64) bool {
	f, ok := held[field]
	if !ok {
		return true
	}
	return !f.UserEdited && (f.Value == "" || f.Confidence < confidence)
}
