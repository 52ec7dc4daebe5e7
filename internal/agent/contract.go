package agent

import (
	"context"
	"log/slog"

	"github.com/interopx/dsagent/internal/event"
	"github.com/interopx/dsagent/internal/model"
	"github.com/interopx/dsagent/internal/profile"
	"github.com/interopx/dsagent/internal/query"
	"github.com/interopx/dsagent/internal/recommend"
	"github.com/interopx/dsagent/internal/storage"
)

// SourceContracts is the only source the contract agent reacts to.
const SourceContracts = "contracts"

// ContractAgent recomputes participant profiles whenever a contract
// changes: recommendations from the participant's own offerings, matchings
// from everyone else's.
type ContractAgent struct {
	*Agent

	recommendations *recommend.RecommendationService
	matchings       *recommend.MatchingService
}

// NewContractAgent constructs an unprepared contract agent. Callers must
// Prepare it before it observes anything; the application context enforces
// this.
func NewContractAgent(dispatcher *event.Dispatcher, rec *recommend.RecommendationService, match *recommend.MatchingService, logger *slog.Logger) (*ContractAgent, error) {
	base, err := NewAgent(dispatcher, logger)
	if err != nil {
		return nil, err
	}
	return &ContractAgent{
		Agent:           base,
		recommendations: rec,
		matchings:       match,
	}, nil
}

// Prepare instantiates the default providers and wires the event handlers.
func (a *ContractAgent) Prepare(ctx context.Context) error {
	if err := a.AddDefaultProviders(ctx); err != nil {
		return err
	}
	a.SetupProviderEventHandlers(a)
	return nil
}

// HandleInsert recomputes profiles from the full inserted contract.
func (a *ContractAgent) HandleInsert(ctx context.Context, ch event.Change) {
	if ch.Source != SourceContracts {
		return
	}
	c, err := contractFromDocument(ch.FullDocument)
	if err != nil {
		a.logger.Error("decoding inserted contract", "key", ch.DocumentKey, "error", err)
		return
	}
	if c.ID == "" {
		c.ID = ch.DocumentKey
	}
	a.UpdateProfileFromContractChange(ctx, c)
}

// HandleUpdate recomputes profiles from the changed fields only. The
// recompute tolerates any subset of members, offerings and orchestrator
// being absent from this partial view.
func (a *ContractAgent) HandleUpdate(ctx context.Context, ch event.Change) {
	if ch.Source != SourceContracts {
		return
	}
	if ch.UpdateDescription == nil || len(ch.UpdateDescription.UpdatedFields) == 0 {
		a.logger.Debug("contract update without changed fields", "key", ch.DocumentKey)
		return
	}
	c, err := contractFromDocument(ch.UpdateDescription.UpdatedFields)
	if err != nil {
		a.logger.Error("decoding contract update", "key", ch.DocumentKey, "error", err)
		return
	}
	if c.ID == "" {
		c.ID = ch.DocumentKey
	}
	a.UpdateProfileFromContractChange(ctx, c)
}

// HandleDelete logs the removal; no profile mutation is defined for
// contract deletion.
func (a *ContractAgent) HandleDelete(_ context.Context, ch event.Change) {
	if ch.Source != SourceContracts {
		return
	}
	a.logger.Info("contract deleted", "key", ch.DocumentKey)
}

// UpdateProfileFromContractChange updates, in order, the profile of every
// member, every offering participant, and the orchestrator the (possibly
// partial) contract names. The three phases are sequential and
// independent: a failure in one participant's update is logged and the
// remaining participants still converge on the next contract event.
func (a *ContractAgent) UpdateProfileFromContractChange(_ context.Context, c model.Contract) {
	seen := make(map[string]bool)
	update := func(participantID string) {
		if participantID == "" || seen[participantID] {
			return
		}
		seen[participantID] = true
		if err := a.updateParticipantProfile(participantID, c); err != nil {
			a.logger.Error("updating participant profile from contract",
				"participant", participantID, "contract", c.ID, "error", err)
		}
	}

	for _, m := range c.Members {
		update(m.Participant)
	}
	for _, so := range c.ServiceOfferings {
		update(so.Participant)
	}
	update(c.Orchestrator)
}

func (a *ContractAgent) updateParticipantProfile(participantID string, c model.Contract) error {
	p, err := a.FindProfileByURI(participantID)
	if err != nil {
		if !IsNotFound(err) {
			return err
		}
		p, err = a.CreateProfileForParticipant(participantID)
		if err != nil {
			return err
		}
	}

	a.recommendations.UpdateProfile(p, c)
	a.matchings.UpdateProfile(p, c)
	return a.SaveProfile(p)
}

// FindProfilesAcrossProviders searches every configured source for profile
// documents matching the criteria and concatenates the results. Not a hot
// path; used for cross-source profile search.
func (a *ContractAgent) FindProfilesAcrossProviders(crit query.Criteria) ([]*profile.Profile, error) {
	var out []*profile.Profile
	for _, b := range a.Bindings() {
		found, err := a.FindProfiles(b.Source, crit)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func contractFromDocument(doc map[string]any) (model.Contract, error) {
	var c model.Contract
	if err := storage.Document(doc).Decode(&c); err != nil {
		return model.Contract{}, err
	}
	return c, nil
}
