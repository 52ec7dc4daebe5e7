package agent

import (
	"context"
	"log/slog"

	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/lookup"
	"github.com/interopx/dsagent/internal/model"
	"github.com/interopx/dsagent/internal/profile"
	"github.com/interopx/dsagent/internal/query"
	"github.com/interopx/dsagent/internal/storage"
)

// Sources the consent agent routes on.
const (
	SourceUsers           = "users"
	SourceConsents        = "consents"
	SourcePrivacyNotices  = "privacynotices"
	SourceUserIdentifiers = "useridentifiers"
	SourceParticipants    = "participants"
)

// ConsentAgent maintains the consent-variant profile aggregates: which
// privacy notices (data exchanges) and consents are relevant to each
// participant.
type ConsentAgent struct {
	*Agent

	lookups *lookup.Client
}

// NewConsentAgent constructs an unprepared consent agent.
func NewConsentAgent(dispatcher *event.Dispatcher, lookups *lookup.Client, logger *slog.Logger) (*ConsentAgent, error) {
	base, err := NewAgent(dispatcher, logger)
	if err != nil {
		return nil, err
	}
	if lookups == nil {
		lookups = lookup.New(nil)
	}
	return &ConsentAgent{Agent: base, lookups: lookups}, nil
}

// Prepare instantiates the default providers, wires the event handlers,
// and reconciles profiles against existing users when the configuration
// asks for it.
func (a *ConsentAgent) Prepare(ctx context.Context) error {
	if err := a.AddDefaultProviders(ctx); err != nil {
		return err
	}
	a.SetupProviderEventHandlers(a)
	if a.cfg.ExistingDataCheck {
		if err := a.ExistingDataCheck(ctx); err != nil {
			a.logger.Error("startup reconciliation failed", "error", err)
		}
	}
	return nil
}

// ExistingDataCheck diffs the users set against the profiles set and
// creates a profile for every user missing one.
func (a *ConsentAgent) ExistingDataCheck(_ context.Context) error {
	users, err := a.DataProvider(SourceUsers)
	if err != nil {
		return err
	}
	userDocs, err := users.FindAll()
	if err != nil {
		return wrapStorage("listing users", err)
	}

	profiles, err := a.profilesProvider()
	if err != nil {
		return err
	}
	profileDocs, err := profiles.FindAll()
	if err != nil {
		return wrapStorage("listing profiles", err)
	}

	have := make(map[string]bool, len(profileDocs))
	for _, d := range profileDocs {
		have[d.String("uri")] = true
	}

	created := 0
	for _, d := range userDocs {
		id := d.ID()
		if id == "" || have[id] {
			continue
		}
		if _, err := a.CreateProfileForParticipant(id); err != nil {
			a.logger.Error("reconciling user without profile", "user", id, "error", err)
			continue
		}
		created++
	}
	if created > 0 {
		a.logger.Info("reconciled existing users", "created", created)
	}
	return nil
}

// HandleInsert routes inserts by source.
func (a *ConsentAgent) HandleInsert(ctx context.Context, ch event.Change) {
	switch ch.Source {
	case SourceUsers:
		a.handleUserInsert(ch)
	case SourcePrivacyNotices:
		a.handlePrivacyNoticeInsert(ctx, ch)
	case SourceConsents:
		a.handleConsentInsert(ch)
	}
}

// HandleUpdate routes updates by source.
func (a *ConsentAgent) HandleUpdate(ctx context.Context, ch event.Change) {
	switch ch.Source {
	case SourceUsers:
		a.handleUserUpdate(ctx, ch)
	case SourceConsents:
		a.handleConsentUpdate(ch)
	}
}

// HandleDelete routes deletions by source.
func (a *ConsentAgent) HandleDelete(_ context.Context, ch event.Change) {
	switch ch.Source {
	case SourceUsers:
		if err := a.DeleteProfileByURI(ch.DocumentKey); err != nil {
			a.logger.Error("deleting profile for removed user", "user", ch.DocumentKey, "error", err)
		}
	case SourceConsents:
		a.pullFromAllProfiles("recommendations.0.consents", ch.DocumentKey)
	case SourcePrivacyNotices:
		a.pullFromAllProfiles("recommendations.0.dataExchanges", ch.DocumentKey)
	}
}

// handleUserInsert creates a profile for the new user with both
// recommendation and preference computation enabled. Insert events may be
// delivered more than once (replays, startup reconciliation racing the
// feed tailer), so an existing profile for the uri is left alone.
func (a *ConsentAgent) handleUserInsert(ch event.Change) {
	uri := ch.DocumentKey
	if uri == "" {
		uri = storage.Document(ch.FullDocument).ID()
	}
	if uri == "" {
		a.logger.Error("user insert without identity")
		return
	}
	if _, err := a.FindProfileByURI(uri); err == nil {
		return
	} else if !IsNotFound(err) {
		a.logger.Error("checking profile for new user", "user", uri, "error", err)
		return
	}
	if _, err := a.CreateProfileForParticipant(uri); err != nil {
		a.logger.Error("creating profile for new user", "user", uri, "error", err)
	}
}

// handleUserUpdate re-derives recommendations when a user's identifier
// list changed: the identifier links the user to a participant, and every
// privacy notice or consent referencing that participant becomes relevant.
func (a *ConsentAgent) handleUserUpdate(_ context.Context, ch event.Change) {
	if ch.UpdateDescription == nil {
		return
	}
	rawIDs, ok := ch.UpdateDescription.UpdatedFields["identifiers"]
	if !ok {
		return
	}
	ids, _ := rawIDs.([]any)
	if len(ids) == 0 {
		return
	}

	p, err := a.FindProfileByURI(ch.DocumentKey)
	if err != nil {
		a.logger.Error("loading profile for identifier update", "user", ch.DocumentKey, "error", err)
		return
	}

	identifiers, err := a.DataProvider(SourceUserIdentifiers)
	if err != nil {
		a.logger.Error("useridentifiers source unavailable", "error", err)
		return
	}

	changed := false
	for _, raw := range ids {
		id, _ := raw.(string)
		if id == "" {
			continue
		}
		doc, err := identifiers.FindOne(query.NewCriteria("id", id))
		if err != nil {
			a.logger.Error("loading user identifier", "identifier", id, "error", err)
			continue
		}
		var ident model.UserIdentifier
		if err := doc.Decode(&ident); err != nil {
			a.logger.Error("decoding user identifier", "identifier", id, "error", err)
			continue
		}
		if ident.AttachedParticipant == "" {
			continue
		}
		if a.collectParticipantReferences(p, ident.AttachedParticipant) {
			changed = true
		}
	}

	if changed {
		if err := a.SaveProfile(p); err != nil {
			a.logger.Error("saving re-derived recommendations", "user", ch.DocumentKey, "error", err)
		}
	}
}

// collectParticipantReferences appends, with set semantics, every privacy
// notice and consent referencing the participant into the profile's
// recommendation lists. Reports whether anything was appended.
func (a *ConsentAgent) collectParticipantReferences(p *profile.Profile, participantID string) bool {
	changed := false
	slot := p.RecommendationSlot()

	if notices, err := a.DataProvider(SourcePrivacyNotices); err == nil {
		docs, err := notices.FindAll()
		if err != nil {
			a.logger.Error("listing privacy notices", "error", err)
		}
		for _, d := range docs {
			var n model.PrivacyNotice
			if err := d.Decode(&n); err != nil {
				continue
			}
			if n.DataProvider != participantID && !containsString(n.Recipients, participantID) {
				continue
			}
			var grew bool
			if slot.DataExchanges, grew = profile.AppendUnique(slot.DataExchanges, n.ID); grew {
				changed = true
			}
		}
	}

	if consents, err := a.DataProvider(SourceConsents); err == nil {
		docs, err := consents.FindAll()
		if err != nil {
			a.logger.Error("listing consents", "error", err)
		}
		for _, d := range docs {
			var c model.Consent
			if err := d.Decode(&c); err != nil {
				continue
			}
			if c.DataProvider != participantID && c.DataConsumer != participantID {
				continue
			}
			var grew bool
			if slot.Consents, grew = profile.AppendUnique(slot.Consents, c.ID); grew {
				changed = true
			}
		}
	}

	return changed
}

// handlePrivacyNoticeInsert resolves the notice's purpose and data
// descriptions, then records the notice as a potential data exchange on
// every profile whose preferences cover the descriptions' participant or
// category. Either lookup failing aborts the handler with a logged error.
func (a *ConsentAgent) handlePrivacyNoticeInsert(ctx context.Context, ch event.Change) {
	var n model.PrivacyNotice
	if err := storage.Document(ch.FullDocument).Decode(&n); err != nil {
		a.logger.Error("decoding privacy notice", "key", ch.DocumentKey, "error", err)
		return
	}
	if n.ID == "" {
		n.ID = ch.DocumentKey
	}
	if len(n.Purposes) == 0 || len(n.Data) == 0 {
		a.logger.Error("privacy notice without purpose or data references", "notice", n.ID)
		return
	}

	purpose, err := a.lookups.Fetch(ctx, n.Purposes[0])
	if err != nil {
		a.logger.Error("resolving purpose description",
			"notice", n.ID, "error", &Error{Code: CodeExternalLookup, Message: "purpose lookup", Err: err})
		return
	}
	data, err := a.lookups.Fetch(ctx, n.Data[0])
	if err != nil {
		a.logger.Error("resolving data description",
			"notice", n.ID, "error", &Error{Code: CodeExternalLookup, Message: "data lookup", Err: err})
		return
	}

	participants := []string{purpose.ProvidedBy, data.ProvidedBy}
	categories := []string{purpose.Category, data.Category}

	a.forEachMatchingProfile(participants, categories, func(p *profile.Profile) bool {
		slot := p.RecommendationSlot()
		var grew bool
		slot.DataExchanges, grew = profile.AppendUnique(slot.DataExchanges, n.ID)
		return grew
	})
}

// handleConsentInsert records the consent on every matching profile,
// replacing the privacy notice it supersedes.
func (a *ConsentAgent) handleConsentInsert(ch event.Change) {
	var c model.Consent
	if err := storage.Document(ch.FullDocument).Decode(&c); err != nil {
		a.logger.Error("decoding consent", "key", ch.DocumentKey, "error", err)
		return
	}
	if c.ID == "" {
		c.ID = ch.DocumentKey
	}

	participants := []string{c.DataProvider, c.DataConsumer}

	a.forEachMatchingProfile(participants, nil, func(p *profile.Profile) bool {
		slot := p.RecommendationSlot()
		changed := false
		if c.PrivacyNotice != "" {
			before := len(slot.DataExchanges)
			slot.DataExchanges = removeString(slot.DataExchanges, c.PrivacyNotice)
			changed = len(slot.DataExchanges) != before
		}
		var grew bool
		if slot.Consents, grew = profile.AppendUnique(slot.Consents, c.ID); grew {
			changed = true
		}
		return changed
	})
}

// handleConsentUpdate pulls the consent from every profile once its
// status turns terminal.
func (a *ConsentAgent) handleConsentUpdate(ch event.Change) {
	if ch.UpdateDescription == nil {
		return
	}
	status, _ := ch.UpdateDescription.UpdatedFields["status"].(string)
	if !(model.Consent{Status: status}).TerminalStatus() {
		return
	}
	a.pullFromAllProfiles("recommendations.0.consents", ch.DocumentKey)
}

// forEachMatchingProfile applies mutate to every profile that allows
// recommendations and declares a preference for one of the given
// participants or categories, persisting the ones that changed.
func (a *ConsentAgent) forEachMatchingProfile(participants, categories []string, mutate func(*profile.Profile) bool) {
	prov, err := a.profilesProvider()
	if err != nil {
		a.logger.Error("profiles source unavailable", "error", err)
		return
	}
	docs, err := prov.FindAll()
	if err != nil {
		a.logger.Error("listing profiles", "error", err)
		return
	}

	for _, d := range docs {
		p, err := profile.FromDocument(d)
		if err != nil {
			continue
		}
		if !p.Configurations.AllowRecommendations {
			continue
		}
		if !hasPreferenceFor(p, participants, categories) {
			continue
		}
		if !mutate(p) {
			continue
		}
		if err := a.SaveProfile(p); err != nil {
			a.logger.Error("saving matched profile", "uri", p.URI, "error", err)
		}
	}
}

// pullFromAllProfiles removes id from the named recommendation list of
// every profile containing it.
func (a *ConsentAgent) pullFromAllProfiles(listPath, id string) {
	if id == "" {
		return
	}
	prov, err := a.profilesProvider()
	if err != nil {
		a.logger.Error("profiles source unavailable", "error", err)
		return
	}
	docs, err := prov.FindAll()
	if err != nil {
		a.logger.Error("listing profiles", "error", err)
		return
	}

	for _, d := range docs {
		arr, ok := d.Get(listPath).([]any)
		if !ok || !containsAny(arr, id) {
			continue
		}
		if _, err := prov.FindOneAndPull(query.NewCriteria("uri", d.String("uri")), storage.Document{listPath: id}); err != nil {
			a.logger.Error("pulling reference from profile", "uri", d.String("uri"), "ref", id, "error", err)
		}
	}
}

func hasPreferenceFor(p *profile.Profile, participants, categories []string) bool {
	for _, pref := range p.Preference {
		if pref.Participant != "" && containsString(participants, pref.Participant) {
			return true
		}
		if pref.Category != "" && containsString(categories, pref.Category) {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, el := range list {
		if el != "" && el == v {
			return true
		}
	}
	return false
}

func containsAny(list []any, v string) bool {
	for _, el := range list {
		if s, ok := el.(string); ok && s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	kept := make([]string, 0, len(list))
	for _, el := range list {
		if el != v {
			kept = append(kept, el)
		}
	}
	return kept
}
