// ABOUTME: Request and response records exchanged with the credential agent
// ABOUTME: State records implement poller.Observation so they can be polled directly

package agent

import "github.com/2389/ssi-portal/internal/poller"

// envelope wraps every agent response body.
type envelope[T any] struct {
	Data T `json:"data"`
}

// Invitation is an out-of-band connection invitation for a wallet.
type Invitation struct {
	InvitationURL string `json:"invitationUrl"`
	OutOfBandID   string `json:"outOfBandId"`
}

// Connection states reported by the agent.
const (
	ConnectionCompleted = "completed"
	ConnectionAbandoned = "abandoned"
)

// ConnectionState is the state of a connection established from an invitation.
type ConnectionState struct {
	State        string `json:"state"`
	ConnectionID string `json:"connectionId"`
	TheirLabel   string `json:"theirLabel"`
}

// PollStatus maps the connection protocol's "completed" onto the poller's done.
func (c *ConnectionState) PollStatus() poller.Status {
	switch c.State {
	case ConnectionCompleted:
		return poller.StatusDone
	case ConnectionAbandoned:
		return poller.StatusAbandoned
	default:
		return poller.Status(c.State)
	}
}

// Record identifies an agent-side protocol record (proof or credential exchange).
type Record struct {
	ID    string `json:"id"`
	State string `json:"state,omitempty"`
}

// ProofRequest is the agent's answer to a proof submission.
// ProofURL is only present for connectionless requests.
type ProofRequest struct {
	ProofRecord Record `json:"proofRecord"`
	ProofURL    string `json:"proofUrl,omitempty"`
}

// ProofState is the state of a proof exchange.
type ProofState struct {
	State        string `json:"state"`
	Verified     bool   `json:"verified"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (p *ProofState) PollStatus() poller.Status { return poller.Status(p.State) }

// CredentialOffer is the agent's answer to an issuance submission.
// CredentialURL is only present for connectionless offers.
type CredentialOffer struct {
	CredentialRecord Record `json:"credentialRecord"`
	CredentialURL    string `json:"credentialUrl,omitempty"`
}

// CredentialState is the state of a credential exchange.
type CredentialState struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (c *CredentialState) PollStatus() poller.Status { return poller.Status(c.State) }

// RevealedAttr is a single disclosed attribute value.
type RevealedAttr struct {
	Raw     string `json:"raw"`
	Encoded string `json:"encoded,omitempty"`
}

// RevealedAttrGroup is a group of attributes disclosed from one credential.
type RevealedAttrGroup struct {
	Values map[string]RevealedAttr `json:"values"`
}

// RequestedProof holds the data disclosed by a completed presentation.
type RequestedProof struct {
	RevealedAttrs      map[string]RevealedAttr      `json:"revealed_attrs"`
	RevealedAttrGroups map[string]RevealedAttrGroup `json:"revealed_attr_groups"`
}

type requestedData struct {
	RequestedProof RequestedProof `json:"requestedProof"`
}

// PHCCheck reports whether a wallet needs a fresh personhood credential.
type PHCCheck struct {
	ShouldIssueNewPHC bool `json:"shouldIssueNewPHC"`
}

// BankVerification is the result of a bank account lookup.
type BankVerification struct {
	AccountExists bool   `json:"accountExists"`
	NameAtBank    string `json:"nameAtBank"`
}

// ModuleCredentialRequest carries the attributes of a module completion credential.
type ModuleCredentialRequest struct {
	Name         string `json:"name"`
	Marks        string `json:"marks"`
	ConnectionID string `json:"connectionId"`
}

// PHCIssueRequest carries the attributes of a personhood credential.
type PHCIssueRequest struct {
	Name               string
	Expiry             int64 // unix seconds
	VerificationMethod string
	ConnectionID       string
}

// PHCRecord is stored by the agent once a personhood credential is accepted.
type PHCRecord struct {
	TheirLabel string `json:"theirLabel"`
	Expiry     string `json:"expiry"`
}

// Verification methods accepted for personhood credentials.
const (
	MethodGitHub = "GITHUB"
	MethodBank   = "BANK"
)
