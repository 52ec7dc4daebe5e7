// Package recommend accumulates contract-derived signals into profile
// aggregates: what a participant's own offerings suggest (recommendations)
// and which of those recommendations other participants also carry
// (matchings).
package recommend

import (
	"log/slog"

	"github.com/interopx/dsagent/internal/model"
	"github.com/interopx/dsagent/internal/profile"
)

// RecommendationService folds a contract into a profile's recommendation
// accumulator. Stateless; safe for concurrent use.
type RecommendationService struct {
	logger *slog.Logger
}

// NewRecommendationService creates a RecommendationService.
func NewRecommendationService(logger *slog.Logger) *RecommendationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecommendationService{logger: logger}
}

// UpdateProfile bumps the frequency of every policy description and
// service-offering identifier the contract attributes to the profile's
// participant, and records the contract id once. Frequencies only ever
// increase; the contract list has set semantics.
func (s *RecommendationService) UpdateProfile(p *profile.Profile, c model.Contract) {
	if !p.Configurations.AllowRecommendations {
		s.logger.Debug("recommendations disabled for profile", "uri", p.URI)
		return
	}

	own := c.OfferingsFor(p.URI)
	if len(own) == 0 && c.ID == "" {
		s.logger.Debug("contract carries nothing for participant", "uri", p.URI)
		return
	}

	slot := p.RecommendationSlot()
	for _, so := range own {
		for _, pol := range so.Policies {
			if pol.Description == "" {
				continue
			}
			slot.BumpPolicy(pol.Description)
		}
		if so.ServiceOffering != "" {
			slot.BumpService(so.ServiceOffering)
		}
	}

	if c.ID != "" {
		slot.EcosystemContracts, _ = profile.AppendUnique(slot.EcosystemContracts, c.ID)
	}
}

// MatchingService cross-references a profile's own recommendations against
// what other participants offer in the same contract. Stateless; safe for
// concurrent use.
type MatchingService struct {
	logger *slog.Logger
}

// NewMatchingService creates a MatchingService.
func NewMatchingService(logger *slog.Logger) *MatchingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchingService{logger: logger}
}

// UpdateProfile counts into the matching accumulator every policy and
// offering of other participants that already appears in the profile's own
// recommendations. A profile with no recommendation slot, or a contract
// with no offerings from other participants, is a logged no-op.
func (s *MatchingService) UpdateProfile(p *profile.Profile, c model.Contract) {
	if !p.HasRecommendations() {
		s.logger.Debug("no recommendation slot to match against", "uri", p.URI)
		return
	}

	var others []model.ServiceOffering
	for _, so := range c.ServiceOfferings {
		if so.Participant != "" && so.Participant != p.URI {
			others = append(others, so)
		}
	}
	if len(others) == 0 {
		s.logger.Debug("contract has no offerings from other participants", "uri", p.URI, "contract", c.ID)
		return
	}

	recs := p.RecommendationSlot()
	slot := p.MatchingSlot()
	for _, so := range others {
		for _, pol := range so.Policies {
			if recs.PolicyFrequency(pol.Description) > 0 {
				slot.BumpPolicy(pol.Description)
			}
		}
		if recommendedService(recs, so.ServiceOffering) {
			slot.BumpService(so.ServiceOffering)
		}
	}

	if c.ID != "" && (len(slot.Policies) > 0 || len(slot.Services) > 0) {
		slot.EcosystemContracts, _ = profile.AppendUnique(slot.EcosystemContracts, c.ID)
	}
}

func recommendedService(a *profile.Aggregate, offering string) bool {
	if offering == "" {
		return false
	}
	for _, sc := range a.Services {
		if sc.ServiceOffering == offering {
			return true
		}
	}
	return false
}
