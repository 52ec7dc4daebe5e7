package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/lookup"
	"github.com/interopx/dsagent/internal/model"
	"github.com/interopx/dsagent/internal/profile"
	"github.com/interopx/dsagent/internal/query"
	"github.com/interopx/dsagent/internal/storage"
)

var consentSources = []string{
	SourceUsers, SourceConsents, SourcePrivacyNotices,
	SourceUserIdentifiers, SourceParticipants, "profiles",
}

func newTestConsentAgent(t *testing.T, lookups *lookup.Client) *ConsentAgent {
	t.Helper()
	writeConfig(t, false, consentSources...)
	ca, err := NewConsentAgent(event.NewDispatcher(), lookups, nil)
	if err != nil {
		t.Fatalf("NewConsentAgent: %v", err)
	}
	if err := ca.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t.Cleanup(func() { ca.Close() })
	return ca
}

// seed inserts a document into a source through a direct store handle, so
// no change event fires during fixture setup.
func seed(t *testing.T, dir, source string, v any) {
	t.Helper()
	store, err := storage.Acquire(dir, "agentdb")
	if err != nil {
		t.Fatalf("acquiring store: %v", err)
	}
	defer storage.Release(dir, "agentdb")
	if _, err := store.Insert(source, mustDoc(t, v)); err != nil {
		t.Fatalf("seeding %s: %v", source, err)
	}
}

// catalogServer serves the same service description for every path.
func catalogServer(t *testing.T, desc lookup.ServiceDescription) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(desc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUserInsertCreatesProfile(t *testing.T) {
	ca := newTestConsentAgent(t, nil)

	ca.HandleInsert(context.Background(), event.Change{
		Source:      SourceUsers,
		Type:        event.TypeInsert,
		DocumentKey: "user-1",
	})

	p, err := ca.FindProfileByURI("user-1")
	if err != nil {
		t.Fatalf("profile for new user: %v", err)
	}
	if !p.Configurations.AllowRecommendations || !p.Configurations.AllowPreferences {
		t.Fatal("new user profile should allow all computations")
	}
}

func TestUserInsertReplayKeepsOneProfile(t *testing.T) {
	ca := newTestConsentAgent(t, nil)

	ch := event.Change{
		Source:      SourceUsers,
		Type:        event.TypeInsert,
		DocumentKey: "user-1",
	}
	ca.HandleInsert(context.Background(), ch)
	ca.HandleInsert(context.Background(), ch)

	found, err := ca.FindProfiles("profiles", query.NewCriteria("uri", "user-1"))
	if err != nil {
		t.Fatalf("FindProfiles: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("uri must stay unique in the profiles source, got %d profiles", len(found))
	}
}

func TestUserDeleteRemovesProfile(t *testing.T) {
	ca := newTestConsentAgent(t, nil)

	if _, err := ca.CreateProfileForParticipant("user-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	ca.HandleDelete(context.Background(), event.Change{
		Source:      SourceUsers,
		Type:        event.TypeDelete,
		DocumentKey: "user-1",
	})
	if _, err := ca.FindProfileByURI("user-1"); !IsNotFound(err) {
		t.Fatalf("profile should be gone, got %v", err)
	}
}

func TestExistingDataCheckReconciles(t *testing.T) {
	dir := writeConfig(t, true, consentSources...)

	// Users present before the agent starts; one already has a profile.
	seed(t, dir, SourceUsers, model.User{ID: "user-1", Email: "one@example.com"})
	seed(t, dir, SourceUsers, model.User{ID: "user-2", Email: "two@example.com"})
	seed(t, dir, "profiles", profile.New("user-1"))

	ca, err := NewConsentAgent(event.NewDispatcher(), nil, nil)
	if err != nil {
		t.Fatalf("NewConsentAgent: %v", err)
	}
	if err := ca.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	for _, uri := range []string{"user-1", "user-2"} {
		if _, err := ca.FindProfileByURI(uri); err != nil {
			t.Fatalf("profile %s missing after reconciliation: %v", uri, err)
		}
	}

	profiles, err := ca.profilesProvider()
	if err != nil {
		t.Fatalf("profilesProvider: %v", err)
	}
	docs, err := profiles.FindAll()
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("reconciliation must not duplicate profiles, got %d", len(docs))
	}
}

func TestPrivacyNoticeInsertRecordsDataExchange(t *testing.T) {
	srv := catalogServer(t, lookup.ServiceDescription{ProvidedBy: "participant-x", Category: "health"})
	ca := newTestConsentAgent(t, lookup.New(srv.Client()))

	// interested declares a preference for the description's provider;
	// byCategory for its category; indifferent for neither.
	interested := profile.New("user-interested")
	interested.Preference = append(interested.Preference, profile.Preference{Participant: "participant-x"})
	byCategory := profile.New("user-category")
	byCategory.Preference = append(byCategory.Preference, profile.Preference{Category: "health"})
	indifferent := profile.New("user-indifferent")
	indifferent.Preference = append(indifferent.Preference, profile.Preference{Participant: "participant-y"})
	for _, p := range []*profile.Profile{interested, byCategory, indifferent} {
		doc, _ := p.Document()
		prov, _ := ca.profilesProvider()
		if _, err := prov.Create(doc); err != nil {
			t.Fatalf("seeding profile %s: %v", p.URI, err)
		}
	}

	ca.HandleInsert(context.Background(), event.Change{
		Source:      SourcePrivacyNotices,
		Type:        event.TypeInsert,
		DocumentKey: "pn-1",
		FullDocument: mustDoc(t, model.PrivacyNotice{
			ID:           "pn-1",
			DataProvider: "participant-x",
			Purposes:     []string{srv.URL + "/purpose"},
			Data:         []string{srv.URL + "/data"},
		}),
	})

	for _, uri := range []string{"user-interested", "user-category"} {
		p, err := ca.FindProfileByURI(uri)
		if err != nil {
			t.Fatalf("reload %s: %v", uri, err)
		}
		got := p.RecommendationSlot().DataExchanges
		if len(got) != 1 || got[0] != "pn-1" {
			t.Fatalf("%s should carry the data exchange, got %+v", uri, got)
		}
	}

	p, err := ca.FindProfileByURI("user-indifferent")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(p.Recommendations) != 0 {
		t.Fatalf("unrelated profile must stay untouched, got %+v", p.Recommendations)
	}
}

func TestPrivacyNoticeLookupFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "catalog down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	ca := newTestConsentAgent(t, lookup.New(srv.Client()))

	interested := profile.New("user-interested")
	interested.Preference = append(interested.Preference, profile.Preference{Participant: "participant-x"})
	doc, _ := interested.Document()
	prov, _ := ca.profilesProvider()
	if _, err := prov.Create(doc); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}

	ca.HandleInsert(context.Background(), event.Change{
		Source:      SourcePrivacyNotices,
		Type:        event.TypeInsert,
		DocumentKey: "pn-1",
		FullDocument: mustDoc(t, model.PrivacyNotice{
			ID:       "pn-1",
			Purposes: []string{srv.URL + "/purpose"},
			Data:     []string{srv.URL + "/data"},
		}),
	})

	p, err := ca.FindProfileByURI("user-interested")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(p.Recommendations) != 0 {
		t.Fatal("failed lookup must leave profiles unchanged")
	}
}

func TestConsentInsertSupersedesNotice(t *testing.T) {
	ca := newTestConsentAgent(t, nil)

	p := profile.New("user-1")
	p.Preference = append(p.Preference, profile.Preference{Participant: "provider-1"})
	p.RecommendationSlot().DataExchanges = []string{"pn-1", "pn-2"}
	doc, _ := p.Document()
	prov, _ := ca.profilesProvider()
	if _, err := prov.Create(doc); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}

	ca.HandleInsert(context.Background(), event.Change{
		Source:      SourceConsents,
		Type:        event.TypeInsert,
		DocumentKey: "consent-1",
		FullDocument: mustDoc(t, model.Consent{
			ID:            "consent-1",
			Status:        "granted",
			DataProvider:  "provider-1",
			DataConsumer:  "consumer-1",
			PrivacyNotice: "pn-1",
		}),
	})

	got, err := ca.FindProfileByURI("user-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	slot := got.RecommendationSlot()
	if len(slot.DataExchanges) != 1 || slot.DataExchanges[0] != "pn-2" {
		t.Fatalf("superseded notice should be removed, got %+v", slot.DataExchanges)
	}
	if len(slot.Consents) != 1 || slot.Consents[0] != "consent-1" {
		t.Fatalf("consent should be recorded, got %+v", slot.Consents)
	}
}

func TestConsentRevocationRemovedEverywhere(t *testing.T) {
	ca := newTestConsentAgent(t, nil)

	prov, _ := ca.profilesProvider()
	for _, uri := range []string{"user-1", "user-2"} {
		p := profile.New(uri)
		p.RecommendationSlot().Consents = []string{"consent-1", "consent-2"}
		doc, _ := p.Document()
		if _, err := prov.Create(doc); err != nil {
			t.Fatalf("seeding profile %s: %v", uri, err)
		}
	}

	// A non-terminal status change is a no-op.
	ca.HandleUpdate(context.Background(), event.Change{
		Source:      SourceConsents,
		Type:        event.TypeUpdate,
		DocumentKey: "consent-1",
		UpdateDescription: &event.UpdateDescription{
			UpdatedFields: map[string]any{"status": "granted"},
		},
	})
	p, err := ca.FindProfileByURI("user-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(p.RecommendationSlot().Consents) != 2 {
		t.Fatalf("non-terminal status must not remove consents: %+v", p.RecommendationSlot().Consents)
	}

	ca.HandleUpdate(context.Background(), event.Change{
		Source:      SourceConsents,
		Type:        event.TypeUpdate,
		DocumentKey: "consent-1",
		UpdateDescription: &event.UpdateDescription{
			UpdatedFields: map[string]any{"status": "revoked"},
		},
	})

	for _, uri := range []string{"user-1", "user-2"} {
		p, err := ca.FindProfileByURI(uri)
		if err != nil {
			t.Fatalf("reload %s: %v", uri, err)
		}
		got := p.RecommendationSlot().Consents
		if len(got) != 1 || got[0] != "consent-2" {
			t.Fatalf("%s should keep only consent-2, got %+v", uri, got)
		}
	}
}

func TestConsentDeleteRemovedEverywhere(t *testing.T) {
	ca := newTestConsentAgent(t, nil)

	prov, _ := ca.profilesProvider()
	p := profile.New("user-1")
	p.RecommendationSlot().Consents = []string{"consent-1"}
	doc, _ := p.Document()
	if _, err := prov.Create(doc); err != nil {
		t.Fatalf("seeding profile: %v", err)
	}

	ca.HandleDelete(context.Background(), event.Change{
		Source:      SourceConsents,
		Type:        event.TypeDelete,
		DocumentKey: "consent-1",
	})

	got, err := ca.FindProfileByURI("user-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got.RecommendationSlot().Consents) != 0 {
		t.Fatalf("deleted consent should be pulled, got %+v", got.RecommendationSlot().Consents)
	}
}

func TestUserIdentifierUpdateCollectsReferences(t *testing.T) {
	dir := writeConfig(t, false, consentSources...)

	seed(t, dir, SourceUserIdentifiers, model.UserIdentifier{
		ID: "ident-1", AttachedParticipant: "participant-z",
	})
	seed(t, dir, SourcePrivacyNotices, model.PrivacyNotice{
		ID: "pn-9", DataProvider: "participant-z",
	})
	seed(t, dir, SourcePrivacyNotices, model.PrivacyNotice{
		ID: "pn-other", DataProvider: "someone-else",
	})
	seed(t, dir, SourceConsents, model.Consent{
		ID: "c-9", DataConsumer: "participant-z",
	})
	seed(t, dir, "profiles", profile.New("user-1"))

	ca, err := NewConsentAgent(event.NewDispatcher(), nil, nil)
	if err != nil {
		t.Fatalf("NewConsentAgent: %v", err)
	}
	if err := ca.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	ca.HandleUpdate(context.Background(), event.Change{
		Source:      SourceUsers,
		Type:        event.TypeUpdate,
		DocumentKey: "user-1",
		UpdateDescription: &event.UpdateDescription{
			UpdatedFields: map[string]any{"identifiers": []any{"ident-1"}},
		},
	})

	p, err := ca.FindProfileByURI("user-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	slot := p.RecommendationSlot()
	if len(slot.DataExchanges) != 1 || slot.DataExchanges[0] != "pn-9" {
		t.Fatalf("expected the participant's notice only, got %+v", slot.DataExchanges)
	}
	if len(slot.Consents) != 1 || slot.Consents[0] != "c-9" {
		t.Fatalf("expected the participant's consent, got %+v", slot.Consents)
	}
}
