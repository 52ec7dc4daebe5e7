// Package api exposes the profile and negotiation operations over HTTP.
// The surface is thin: decode, delegate to the agents and services, encode.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/interopx/dsagent/internal/agent"
	"github.com/interopx/dsagent/internal/model"
	"github.com/interopx/dsagent/internal/negotiation"
	"github.com/interopx/dsagent/internal/query"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps carries what the route layer needs. An empty Token disables
// authentication.
type Deps struct {
	App   *agent.App
	Token string
}

// NewHandler builds the HTTP surface.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/health", handleHealth)
	r.Post("/profiles/search", handleSearchProfiles(deps))
	r.Get("/profiles/{uri}", handleGetProfile(deps))
	r.Get("/profiles/{uri}/recommendations", handleGetRecommendations(deps))
	r.Get("/profiles/{uri}/matchings", handleGetMatchings(deps))
	r.Post("/profiles/{uri}/preferences", handleUpdatePreferences(deps))
	r.Post("/profiles/{uri}/negotiation/contract", handleNegotiateContract(deps))
	r.Post("/profiles/{uri}/negotiation/policies", handleCheckPolicies(deps))
	r.Post("/profiles/{uri}/negotiation/services", handleCheckServices(deps))
	r.Post("/profiles/{uri}/preference-match", handlePreferenceMatch(deps))

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSearchProfiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var crit query.Criteria
		if err := json.NewDecoder(r.Body).Decode(&crit); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		profiles, err := ca.FindProfilesAcrossProviders(crit)
		if err != nil {
			httpError(w, statusFor(err), "searching profiles: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, profiles)
	}
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleGetRecommendations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ca.GetRecommendations(p))
	}
}

func handleGetMatchings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ca.GetMatchings(p))
	}
}

func handleUpdatePreferences(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var prefs []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}

		accepted := deps.App.Negotiation.UpdateProfilePreferences(p, prefs)
		if accepted > 0 {
			if err := ca.SaveProfile(p); err != nil {
				httpError(w, statusFor(err), "saving profile: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
	}
}

func handleNegotiateContract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var c model.Contract
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, deps.App.Negotiation.NegotiateContract(p, c))
	}
}

func handleCheckPolicies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var policies []model.Policy
		if err := json.NewDecoder(r.Body).Decode(&policies); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}

		result := make(map[string]bool, len(policies))
		for _, pol := range policies {
			result[pol.Description] = deps.App.Negotiation.IsPolicyAcceptable(p, pol)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleCheckServices(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var offerings []model.ServiceOffering
		if err := json.NewDecoder(r.Body).Decode(&offerings); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}

		// The offering is acceptable only when the offering itself and all
		// of its policies pass.
		result := make(map[string]bool, len(offerings))
		for _, so := range offerings {
			result[so.ServiceOffering] = deps.App.Negotiation.AreServicePoliciesAcceptable(p, so)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// PreferenceMatchRequest is the wire form of a preference-match check.
// Exactly one selector and one role must be set.
type PreferenceMatchRequest struct {
	Participant       string    `json:"participant,omitempty"`
	Category          string    `json:"category,omitempty"`
	AsDataProvider    bool      `json:"asDataProvider,omitempty"`
	AsServiceProvider bool      `json:"asServiceProvider,omitempty"`
	Location          string    `json:"location,omitempty"`
	Now               time.Time `json:"now,omitempty"`
}

func handlePreferenceMatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req PreferenceMatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		ca, err := deps.App.ContractAgent(r.Context())
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "agent unavailable: %v", err)
			return
		}
		p, err := ca.FindProfileByURI(chi.URLParam(r, "uri"))
		if err != nil {
			httpError(w, statusFor(err), "loading profile: %v", err)
			return
		}

		match, err := deps.App.Negotiation.CheckPreferenceMatch(p, negotiation.PreferenceMatchParams{
			Participant:       req.Participant,
			Category:          req.Category,
			AsDataProvider:    req.AsDataProvider,
			AsServiceProvider: req.AsServiceProvider,
			Location:          req.Location,
			Now:               req.Now,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "checking preference: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"match": match})
	}
}

func statusFor(err error) int {
	if agent.IsNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
