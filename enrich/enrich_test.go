package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/rolo/db"
)

type fakeStore struct {
	contact *db.Contact
	fields  map[string]*db.ContactField
	applied []db.ContactField
}

func newFakeStore(contact *db.Contact) *fakeStore {
	return &fakeStore{contact: contact, fields: make(map[string]*db.ContactField)}
}

func (s *fakeStore) GetContact(context.Context, int64) (*db.Contact, error) {
	if s.contact == nil {
		return nil, db.ErrNotFound
	}
	return s.contact, nil
}

func (s *fakeStore) GetContactFields(context.Context, int64) ([]*db.ContactField, error) {
	var out []*db.ContactField
	for _, f := range s.fields {
		out = append(out, f)
	}
	return out, nil
}

func (s *fakeStore) UpsertContactField(_ context.Context, f *db.ContactField) (bool, error) {
	held, ok := s.fields[f.Field]
	if ok && (held.UserEdited || (held.Value != "" && held.Confidence >= f.Confidence)) {
		return false, nil
	}
	cp := *f
	s.fields[f.Field] = &cp
	s.applied = append(s.applied, cp)
	return true, nil
}

type failingProvider struct{}

func (failingProvider) Name() string { return "flaky" }
func (failingProvider) Enrich(context.Context, *db.Contact, map[string]*db.ContactField) ([]Suggestion, error) {
	return nil, errors.New("upstream 503")
}

func corpContact() *db.Contact {
	return &db.Contact{ID: 100, AccountID: 1, Email: "jane@acme.com", Domain: "acme.com"}
}

func TestDomainProviderSuggestsCompanyAndWebsite(t *testing.T) {
	store := newFakeStore(corpContact())
	e := New(store, time.Second, DomainProvider{})

	require.NoError(t, e.EnrichContact(context.Background(), 100))
	assert.Equal(t, "Acme", store.fields[db.FieldCompany].Value)
	assert.Equal(t, "https://acme.com", store.fields[db.FieldWebsite].Value)
	assert.Equal(t, "enrich:domain", store.fields[db.FieldCompany].Source)
}

func TestDomainProviderSkipsFreemail(t *testing.T) {
	contact := corpContact()
	contact.Domain = "gmail.com"
	contact.IsFreemail = true
	store := newFakeStore(contact)
	e := New(store, time.Second, DomainProvider{})

	require.NoError(t, e.EnrichContact(context.Background(), 100))
	assert.Empty(t, store.fields)
}

func TestEnrichmentNeverDowngrades(t *testing.T) {
	store := newFakeStore(corpContact())
	store.fields[db.FieldCompany] = &db.ContactField{
		Field: db.FieldCompany, Value: "Acme Corporation AG",
		Confidence: 0.7, Source: "signature",
	}
	e := New(store, time.Second, DomainProvider{})

	require.NoError(t, e.EnrichContact(context.Background(), 100))
	assert.Equal(t, "Acme Corporation AG", store.fields[db.FieldCompany].Value,
		"a 0.4 guess must not replace 0.7 evidence")
}

func TestFailingProviderDoesNotFailTheJob(t *testing.T) {
	store := newFakeStore(corpContact())
	e := New(store, time.Second, failingProvider{}, DomainProvider{})

	require.NoError(t, e.EnrichContact(context.Background(), 100))
	assert.NotEmpty(t, store.fields, "later providers still run")
}

func TestEnrichDeletedContactIsNoop(t *testing.T) {
	contact := corpContact()
	now := time.Now()
	contact.DeletedAt = &now
	store := newFakeStore(contact)
	e := New(store, time.Second, DomainProvider{})

	require.NoError(t, e.EnrichContact(context.Background(), 100))
	assert.Empty(t, store.fields)
}

func TestEnrichMissingContactIsNoop(t *testing.T) {
	e := New(newFakeStore(nil), time.Second, DomainProvider{})
	assert.NoError(t, e.EnrichContact(context.Background(), 100))
}

func TestBuildProviders(t *testing.T) {
	providers, err := BuildProviders([]string{"domain"})
	require.NoError(t, err)
	assert.Len(t, providers, 1)

	_, err = BuildProviders([]string{"clearbit"})
	assert.Error(t, err)
}

func TestJobHandler(t *testing.T) {
	store := newFakeStore(corpContact())
	handler := NewJobHandler(New(store, time.Second, DomainProvider{}))

	require.NoError(t, handler(context.Background(),
		&db.Job{Payload: []byte(`{"account_id":1,"contact_id":100}`)}))
	assert.NotEmpty(t, store.fields)

	assert.Error(t, handler(context.Background(), &db.Job{Payload: []byte(`{}`)}))
}
