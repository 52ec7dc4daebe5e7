// Package model holds the external domain objects the agents observe:
// contracts, consents, privacy notices, users and their identifiers. They
// are read-only to this system; every mutation arrives as a change event.
package model

// Policy is one usage policy attached to a service offering. The
// description string is its matching key.
type Policy struct {
	Description string `json:"description"`
}

// ServiceOffering is one offering a participant contributes to a contract.
type ServiceOffering struct {
	Participant     string   `json:"participant"`
	ServiceOffering string   `json:"serviceOffering"`
	Policies        []Policy `json:"policies,omitempty"`
}

// Member is one participant listed in a contract.
type Member struct {
	Participant string `json:"participant"`
	Role        string `json:"role,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Contract is a data-sharing contract between ecosystem participants.
// Update events deliver only the changed fields, so any subset of the
// fields may be zero.
type Contract struct {
	ID               string            `json:"id,omitempty"`
	Status           string            `json:"status,omitempty"`
	Ecosystem        string            `json:"ecosystem,omitempty"`
	Orchestrator     string            `json:"orchestrator,omitempty"`
	Members          []Member          `json:"members,omitempty"`
	ServiceOfferings []ServiceOffering `json:"serviceOfferings,omitempty"`
}

// OfferingsFor returns the service offerings the contract attributes to
// the given participant.
func (c Contract) OfferingsFor(participant string) []ServiceOffering {
	var out []ServiceOffering
	for _, so := range c.ServiceOfferings {
		if so.Participant == participant {
			out = append(out, so)
		}
	}
	return out
}

// User is an end user account in the ecosystem.
type User struct {
	ID          string   `json:"id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Identifiers []string `json:"identifiers,omitempty"`
}

// UserIdentifier links a user to the participant that registered them.
type UserIdentifier struct {
	ID                  string `json:"id,omitempty"`
	Email               string `json:"email,omitempty"`
	AttachedParticipant string `json:"attachedParticipant,omitempty"`
}

// Participant is an organization taking part in the ecosystem.
type Participant struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Terminal consent statuses: a consent reaching one of these no longer
// backs any recommendation.
const (
	ConsentStatusRevoked    = "revoked"
	ConsentStatusRefused    = "refused"
	ConsentStatusTerminated = "terminated"
)

// Consent records a user's agreement to a data exchange between a provider
// and a consumer.
type Consent struct {
	ID            string `json:"id,omitempty"`
	Status        string `json:"status,omitempty"`
	User          string `json:"user,omitempty"`
	DataProvider  string `json:"dataProvider,omitempty"`
	DataConsumer  string `json:"dataConsumer,omitempty"`
	PrivacyNotice string `json:"privacyNotice,omitempty"`
}

// TerminalStatus reports whether the consent has been revoked, refused or
// terminated.
func (c Consent) TerminalStatus() bool {
	switch c.Status {
	case ConsentStatusRevoked, ConsentStatusRefused, ConsentStatusTerminated:
		return true
	}
	return false
}

// PrivacyNotice describes a proposed data exchange, carrying the URLs of
// the purpose and data service descriptions it refers to.
type PrivacyNotice struct {
	ID           string   `json:"id,omitempty"`
	DataProvider string   `json:"dataProvider,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
	Purposes     []string `json:"purposes,omitempty"`
	Data         []string `json:"data,omitempty"`
}
