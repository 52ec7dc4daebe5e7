// Package negotiation answers policy and service acceptability questions
// against an already-persisted profile.
package negotiation

import (
	"fmt"
	"log/slog"

	"github.com/interopx/dsagent/internal/model"
	"github.com/interopx/dsagent/internal/profile"
)

// Contract statuses under which a contract may be accepted at all.
const (
	StatusActive = "active"
	StatusSigned = "signed"
)

// Outcome is the structured result of a contract negotiation.
type Outcome struct {
	CanAccept            bool     `json:"canAccept"`
	Reason               string   `json:"reason,omitempty"`
	UnacceptablePolicies []string `json:"unacceptablePolicies,omitempty"`
	UnacceptableServices []string `json:"unacceptableServices,omitempty"`
}

// Service evaluates profiles against policies, offerings and contracts.
// Stateless; safe for concurrent use.
type Service struct {
	logger *slog.Logger
}

// NewService creates a negotiation Service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// IsPolicyAcceptable reports whether some preference entry lists the
// policy description with a positive frequency. A profile with
// allowPolicies disabled fails closed regardless of its preferences.
func (s *Service) IsPolicyAcceptable(p *profile.Profile, pol model.Policy) bool {
	if !p.Configurations.AllowPolicies {
		return false
	}
	for _, pref := range p.Preference {
		for _, pc := range pref.Policies {
			if pc.Policy == pol.Description && pc.Frequency > 0 {
				return true
			}
		}
	}
	return false
}

// IsServiceAcceptable reports whether some preference entry's services
// list contains the offering identifier.
func (s *Service) IsServiceAcceptable(p *profile.Profile, so model.ServiceOffering) bool {
	for _, pref := range p.Preference {
		for _, svc := range pref.Services {
			if svc == so.ServiceOffering {
				return true
			}
		}
	}
	return false
}

// AreServicePoliciesAcceptable reports whether the offering itself and
// every one of its policies are acceptable.
func (s *Service) AreServicePoliciesAcceptable(p *profile.Profile, so model.ServiceOffering) bool {
	if !s.IsServiceAcceptable(p, so) {
		return false
	}
	for _, pol := range so.Policies {
		if !s.IsPolicyAcceptable(p, pol) {
			return false
		}
	}
	return true
}

// CanAcceptContract reports whether the contract is active or signed and
// every one of its service offerings is service-policy-acceptable.
func (s *Service) CanAcceptContract(p *profile.Profile, c model.Contract) bool {
	if c.Status != StatusActive && c.Status != StatusSigned {
		return false
	}
	for _, so := range c.ServiceOfferings {
		if !s.AreServicePoliciesAcceptable(p, so) {
			return false
		}
	}
	return true
}

// NegotiateContract computes the full list of unacceptable policies and
// services across all offerings. If any exist it returns a structured
// rejection enumerating them; otherwise the contract must still be active
// or signed to be accepted.
func (s *Service) NegotiateContract(p *profile.Profile, c model.Contract) Outcome {
	var badPolicies, badServices []string
	for _, so := range c.ServiceOfferings {
		if !s.IsServiceAcceptable(p, so) {
			badServices, _ = profile.AppendUnique(badServices, so.ServiceOffering)
		}
		for _, pol := range so.Policies {
			if !s.IsPolicyAcceptable(p, pol) {
				badPolicies, _ = profile.AppendUnique(badPolicies, pol.Description)
			}
		}
	}

	if len(badPolicies) > 0 || len(badServices) > 0 {
		return Outcome{
			CanAccept:            false,
			Reason:               "contract contains policies or services outside the profile's preferences",
			UnacceptablePolicies: badPolicies,
			UnacceptableServices: badServices,
		}
	}

	if !s.CanAcceptContract(p, c) {
		return Outcome{
			CanAccept: false,
			Reason:    fmt.Sprintf("contract status %q is not active or signed", c.Status),
		}
	}
	return Outcome{CanAccept: true}
}

// UpdateProfilePreferences appends well-formed preference documents to the
// profile's preference list and returns how many were accepted. A
// preference is well formed when its policies, services and ecosystems
// fields are all array-typed; malformed entries are dropped with a log
// line, never an error.
func (s *Service) UpdateProfilePreferences(p *profile.Profile, prefs []map[string]any) int {
	accepted := 0
	for _, raw := range prefs {
		if !isArray(raw["policies"]) || !isArray(raw["services"]) || !isArray(raw["ecosystems"]) {
			s.logger.Warn("dropping malformed preference", "uri", p.URI)
			continue
		}
		pref, err := decodePreference(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable preference", "uri", p.URI, "error", err)
			continue
		}
		p.Preference = append(p.Preference, pref)
		accepted++
	}
	return accepted
}

func isArray(v any) bool {
	switch v.(type) {
	case []any, []string, []map[string]any:
		return true
	}
	return false
}
