// Package profile defines the derived per-participant state this system
// maintains: recommendation and matching accumulators plus declared
// preferences, gated by per-profile configuration flags.
package profile

import (
	"github.com/interopx/dsagent/internal/storage"
)

// Source is the logical collection profiles are persisted in.
const Source = "profiles"

// AuthorizationLevel gates a role preference.
type AuthorizationLevel string

const (
	AuthorizationNever       AuthorizationLevel = "never"
	AuthorizationAlways      AuthorizationLevel = "always"
	AuthorizationConditional AuthorizationLevel = "conditional"
)

// Configurations gates which computations a profile participates in.
type Configurations struct {
	AllowRecommendations bool `json:"allowRecommendations"`
	AllowPolicies        bool `json:"allowPolicies"`
	AllowPreferences     bool `json:"allowPreferences"`
}

// PolicyCount tracks how often a policy description was recommended.
type PolicyCount struct {
	Policy    string `json:"policy"`
	Frequency int    `json:"frequency"`
}

// ServiceCount tracks how often a service offering was recommended.
type ServiceCount struct {
	ServiceOffering string `json:"serviceOffering"`
	Frequency       int    `json:"frequency"`
}

// Aggregate is one accumulator slot. Profiles keep exactly zero or one
// populated slot in each of their recommendation and matching sequences.
// The contract-driven fields and the consent-driven fields share the
// shape; each agent only touches its own.
type Aggregate struct {
	Policies           []PolicyCount  `json:"policies,omitempty"`
	EcosystemContracts []string       `json:"ecosystemContracts,omitempty"`
	Services           []ServiceCount `json:"services,omitempty"`
	Consents           []string       `json:"consents,omitempty"`
	DataExchanges      []string       `json:"dataExchanges,omitempty"`
}

// BumpPolicy increments the frequency for a policy description, creating
// the entry at frequency 1 on first sight.
func (a *Aggregate) BumpPolicy(description string) {
	for i := range a.Policies {
		if a.Policies[i].Policy == description {
			a.Policies[i].Frequency++
			return
		}
	}
	a.Policies = append(a.Policies, PolicyCount{Policy: description, Frequency: 1})
}

// BumpService increments the frequency for a service offering identifier,
// creating the entry at frequency 1 on first sight.
func (a *Aggregate) BumpService(offering string) {
	for i := range a.Services {
		if a.Services[i].ServiceOffering == offering {
			a.Services[i].Frequency++
			return
		}
	}
	a.Services = append(a.Services, ServiceCount{ServiceOffering: offering, Frequency: 1})
}

// PolicyFrequency returns the recorded frequency for a policy description,
// or 0.
func (a *Aggregate) PolicyFrequency(description string) int {
	for _, pc := range a.Policies {
		if pc.Policy == description {
			return pc.Frequency
		}
	}
	return 0
}

// TimeCondition is a day-of-week plus time-of-day window, times in "HH:MM".
type TimeCondition struct {
	Days      []string `json:"dayOfWeek,omitempty"`
	StartTime string   `json:"startTime,omitempty"`
	EndTime   string   `json:"endTime,omitempty"`
}

// PreferenceCondition gates a conditional authorization: a time window, a
// location country code, or both.
type PreferenceCondition struct {
	Time     *TimeCondition `json:"time,omitempty"`
	Location string         `json:"location,omitempty"`
}

// RolePreference is the authorization a participant declared for one role.
type RolePreference struct {
	AuthorizationLevel AuthorizationLevel    `json:"authorizationLevel"`
	Conditions         []PreferenceCondition `json:"conditions,omitempty"`
}

// Preference is one participant-declared rule, keyed by participant or
// category. The policy/service/ecosystem lists feed negotiation; the role
// sub-objects feed consent-side preference matching.
type Preference struct {
	Participant       string          `json:"participant,omitempty"`
	Category          string          `json:"category,omitempty"`
	AsDataProvider    *RolePreference `json:"asDataProvider,omitempty"`
	AsServiceProvider *RolePreference `json:"asServiceProvider,omitempty"`
	Policies          []PolicyCount   `json:"policies,omitempty"`
	Services          []string        `json:"services,omitempty"`
	Ecosystems        []string        `json:"ecosystems,omitempty"`
}

// Profile is the unit of derived state per participant, looked up by its
// stable uri.
type Profile struct {
	ID              string         `json:"id,omitempty"`
	URI             string         `json:"uri"`
	Configurations  Configurations `json:"configurations"`
	Recommendations []Aggregate    `json:"recommendations"`
	Matching        []Aggregate    `json:"matching"`
	Preference      []Preference   `json:"preference"`
}

// New returns a minimal profile for a participant, with recommendation and
// negotiation computation enabled.
func New(uri string) *Profile {
	return &Profile{
		URI: uri,
		Configurations: Configurations{
			AllowRecommendations: true,
			AllowPolicies:        true,
			AllowPreferences:     true,
		},
		Recommendations: []Aggregate{},
		Matching:        []Aggregate{},
		Preference:      []Preference{},
	}
}

// RecommendationSlot returns the single populated recommendation
// accumulator, creating it when absent.
func (p *Profile) RecommendationSlot() *Aggregate {
	if len(p.Recommendations) == 0 {
		p.Recommendations = append(p.Recommendations, Aggregate{})
	}
	return &p.Recommendations[0]
}

// MatchingSlot returns the single populated matching accumulator, creating
// it when absent.
func (p *Profile) MatchingSlot() *Aggregate {
	if len(p.Matching) == 0 {
		p.Matching = append(p.Matching, Aggregate{})
	}
	return &p.Matching[0]
}

// HasRecommendations reports whether the profile has a populated
// recommendation slot.
func (p *Profile) HasRecommendations() bool {
	return len(p.Recommendations) > 0
}

// Document converts the profile to its stored representation.
func (p *Profile) Document() (storage.Document, error) {
	return storage.Encode(p)
}

// FromDocument decodes a stored document into a Profile.
func FromDocument(d storage.Document) (*Profile, error) {
	var p Profile
	if err := d.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AppendUnique appends v to list unless an equal element is already
// present, reporting whether the list grew.
func AppendUnique(list []string, v string) ([]string, bool) {
	for _, el := range list {
		if el == v {
			return list, false
		}
	}
	return append(list, v), true
}
