package negotiation

import (
	"testing"

	"github.com/interopx/dsagent/internal/model"
	"github.com/interopx/dsagent/internal/profile"
)

func profileWithPreference() *profile.Profile {
	p := profile.New("alice")
	p.Preference = append(p.Preference, profile.Preference{
		Policies:   []profile.PolicyCount{{Policy: "P1", Frequency: 1}},
		Services:   []string{"svc-1"},
		Ecosystems: []string{"eco-1"},
	})
	return p
}

func signedContract() model.Contract {
	return model.Contract{
		ID:     "c1",
		Status: "signed",
		Members: []model.Member{
			{Participant: "alice"},
		},
		ServiceOfferings: []model.ServiceOffering{
			{
				Participant:     "alice",
				ServiceOffering: "svc-1",
				Policies:        []model.Policy{{Description: "P1"}},
			},
		},
	}
}

func TestIsPolicyAcceptable(t *testing.T) {
	svc := NewService(nil)
	p := profileWithPreference()

	if !svc.IsPolicyAcceptable(p, model.Policy{Description: "P1"}) {
		t.Error("P1 should be acceptable")
	}
	if svc.IsPolicyAcceptable(p, model.Policy{Description: "P2"}) {
		t.Error("P2 should not be acceptable")
	}
}

func TestIsPolicyAcceptableFailsClosed(t *testing.T) {
	svc := NewService(nil)
	p := profileWithPreference()
	p.Configurations.AllowPolicies = false

	if svc.IsPolicyAcceptable(p, model.Policy{Description: "P1"}) {
		t.Error("allowPolicies=false must fail every policy check")
	}
}

func TestIsPolicyAcceptableIgnoresZeroFrequency(t *testing.T) {
	svc := NewService(nil)
	p := profile.New("alice")
	p.Preference = append(p.Preference, profile.Preference{
		Policies: []profile.PolicyCount{{Policy: "P1", Frequency: 0}},
	})

	if svc.IsPolicyAcceptable(p, model.Policy{Description: "P1"}) {
		t.Error("a zero-frequency policy entry must not be acceptable")
	}
}

func TestIsServiceAcceptable(t *testing.T) {
	svc := NewService(nil)
	p := profileWithPreference()

	if !svc.IsServiceAcceptable(p, model.ServiceOffering{ServiceOffering: "svc-1"}) {
		t.Error("svc-1 should be acceptable")
	}
	if svc.IsServiceAcceptable(p, model.ServiceOffering{ServiceOffering: "svc-2"}) {
		t.Error("svc-2 should not be acceptable")
	}
}

func TestCanAcceptContractRequiresStatus(t *testing.T) {
	svc := NewService(nil)
	p := profileWithPreference()

	c := signedContract()
	for _, status := range []string{"signed", "active"} {
		c.Status = status
		if !svc.CanAcceptContract(p, c) {
			t.Errorf("status %q should be acceptable", status)
		}
	}
	c.Status = "pending"
	if svc.CanAcceptContract(p, c) {
		t.Error("pending contract must not be acceptable")
	}
}

func TestNegotiateContractAccepts(t *testing.T) {
	svc := NewService(nil)
	out := svc.NegotiateContract(profileWithPreference(), signedContract())

	if !out.CanAccept {
		t.Fatalf("outcome = %+v, want acceptance", out)
	}
	if len(out.UnacceptablePolicies) != 0 || len(out.UnacceptableServices) != 0 {
		t.Errorf("acceptance must not enumerate rejections: %+v", out)
	}
}

func TestNegotiateContractEnumeratesRejections(t *testing.T) {
	svc := NewService(nil)
	c := signedContract()
	c.ServiceOfferings[0].Policies = append(c.ServiceOfferings[0].Policies, model.Policy{Description: "P2"})

	out := svc.NegotiateContract(profileWithPreference(), c)

	if out.CanAccept {
		t.Fatal("contract with unknown policy must be rejected")
	}
	if len(out.UnacceptablePolicies) != 1 || out.UnacceptablePolicies[0] != "P2" {
		t.Errorf("unacceptablePolicies = %v, want [P2]", out.UnacceptablePolicies)
	}
}

func TestNegotiateContractCollectsAcrossOfferings(t *testing.T) {
	svc := NewService(nil)
	c := signedContract()
	c.ServiceOfferings = append(c.ServiceOfferings, model.ServiceOffering{
		Participant:     "bob",
		ServiceOffering: "svc-2",
		Policies:        []model.Policy{{Description: "P3"}},
	})

	out := svc.NegotiateContract(profileWithPreference(), c)

	if out.CanAccept {
		t.Fatal("expected rejection")
	}
	if len(out.UnacceptableServices) != 1 || out.UnacceptableServices[0] != "svc-2" {
		t.Errorf("unacceptableServices = %v, want [svc-2]", out.UnacceptableServices)
	}
	if len(out.UnacceptablePolicies) != 1 || out.UnacceptablePolicies[0] != "P3" {
		t.Errorf("unacceptablePolicies = %v, want [P3]", out.UnacceptablePolicies)
	}
}

func TestNegotiateContractRejectsBadStatusAfterCleanOfferings(t *testing.T) {
	svc := NewService(nil)
	c := signedContract()
	c.Status = "draft"

	out := svc.NegotiateContract(profileWithPreference(), c)

	if out.CanAccept {
		t.Fatal("draft contract must be rejected")
	}
	if out.Reason == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestUpdateProfilePreferencesDropsMalformed(t *testing.T) {
	svc := NewService(nil)
	p := profile.New("alice")

	n := svc.UpdateProfilePreferences(p, []map[string]any{
		{
			"participant": "bob",
			"policies":    []any{map[string]any{"policy": "P1", "frequency": 1}},
			"services":    []any{"svc-1"},
			"ecosystems":  []any{},
		},
		{
			"participant": "mallory",
			"policies":    "not-an-array",
			"services":    []any{},
			"ecosystems":  []any{},
		},
		{
			"participant": "carol",
			"services":    []any{},
			"ecosystems":  []any{},
		},
	})

	if n != 1 {
		t.Errorf("accepted %d preferences, want 1", n)
	}
	if len(p.Preference) != 1 || p.Preference[0].Participant != "bob" {
		t.Errorf("preference = %+v", p.Preference)
	}
}
