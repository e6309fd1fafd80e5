// ABOUTME: Personhood credential wizard: connect, check existing, authenticate, issue
// ABOUTME: Authentication is a GitHub login via the agent or a bank account lookup

package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/store"
)

// ConnectPHC connects a wallet for the PHC wizard and moves it to the verify step.
func (s *Service) ConnectPHC(ctx context.Context, sessionID string) error {
	if _, err := s.session(ctx, sessionID); err != nil {
		return err
	}
	return s.connect(sessionID, FlowPHCConnect, func(sess *store.Session) {
		sess.PHCStep = store.PHCStepVerify
	})
}

// CheckExistingPHC asks the agent whether the connected wallet already holds
// a valid PHC. It reports true when a new one must be issued; the wizard then
// moves to authentication, otherwise straight to complete.
func (s *Service) CheckExistingPHC(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !sess.Connected() {
		return false, ErrNotConnected
	}

	guard := sameConnection(sess.ConnectionID)
	check, err := s.agent.CheckPersonhood(ctx, sess.TheirLabel)
	if err := s.submitted("phc.check", err, "Failed to verify existing PHC. Please try again."); err != nil {
		return false, err
	}

	err = s.update(ctx, sessionID, func(sess *store.Session) error {
		if err := guard(sess); err != nil {
			return err
		}
		if check.ShouldIssueNewPHC {
			sess.PHCStep = store.PHCStepAuthenticate
		} else {
			sess.PHCStep = store.PHCStepComplete
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return check.ShouldIssueNewPHC, nil
}

// GitHubLoginURL is where the browser goes to authenticate with GitHub.
func (s *Service) GitHubLoginURL(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !sess.Connected() {
		return "", ErrNotConnected
	}
	return s.agent.GitHubLoginURL(), nil
}

type githubAuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	User    struct {
		Name  string `json:"name"`
		Login string `json:"login"`
	} `json:"user"`
}

// CompleteGitHubAuth handles the agent's redirect back from GitHub. Exactly
// one of authResult (JSON) and errMsg is expected. Success moves the wizard
// from the authenticate step to the issue step with the GitHub name, falling
// back to the login. authResult arrives unsigned in the query string.
func (s *Service) CompleteGitHubAuth(ctx context.Context, sessionID, authResult, errMsg string) error {
	fail := func(msg string, cause error) error {
		err := s.update(ctx, sessionID, func(sess *store.Session) error {
			if sess.Connected() {
				sess.PHCStep = store.PHCStepAuthenticate
			}
			return nil
		})
		if err != nil {
			return err
		}
		return &Failure{Message: msg, Err: cause}
	}

	if authResult == "" {
		if errMsg == "" {
			errMsg = "Failed to authenticate with GitHub"
		}
		return fail(errMsg, nil)
	}

	var res githubAuthResult
	if err := json.Unmarshal([]byte(authResult), &res); err != nil {
		s.logger.Warn("parsing github auth result", "error", err)
		return fail("An error occurred during authentication", err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "Failed to authenticate with GitHub"
		}
		return fail(msg, nil)
	}

	name := res.User.Name
	if name == "" {
		name = res.User.Login
	}
	if name == "" {
		return fail("GitHub did not report a name for your account", nil)
	}

	return s.update(ctx, sessionID, func(sess *store.Session) error {
		if !sess.Connected() {
			return ErrNotConnected
		}
		if sess.PHCStep != store.PHCStepAuthenticate {
			return ErrOutOfOrder
		}
		sess.PHCName = name
		sess.PHCMethod = agent.MethodGitHub
		sess.PHCStep = store.PHCStepIssue
		return nil
	})
}

// VerifyBank looks up the account holder's name at the bank. On success the
// wizard moves to the issue step with the name at the bank.
func (s *Service) VerifyBank(ctx context.Context, sessionID, ifsc, accountNumber string) error {
	ifsc = strings.TrimSpace(ifsc)
	accountNumber = strings.TrimSpace(accountNumber)
	if ifsc == "" || accountNumber == "" {
		return &Failure{Message: "Please enter both the IFSC code and the account number."}
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Connected() {
		return ErrNotConnected
	}

	guard := sameConnection(sess.ConnectionID)
	res, err := s.agent.VerifyBankAccount(ctx, ifsc, accountNumber)
	if err := s.submitted("phc.bank", err,
		"An error occurred during bank verification. Please try again."); err != nil {
		return err
	}
	if !res.AccountExists || res.NameAtBank == "" {
		return &Failure{Message: "Bank account verification failed. Please check your details and try again."}
	}

	return s.update(ctx, sessionID, func(sess *store.Session) error {
		if err := guard(sess); err != nil {
			return err
		}
		sess.PHCName = res.NameAtBank
		sess.PHCMethod = agent.MethodBank
		sess.PHCStep = store.PHCStepIssue
		return nil
	})
}

// IssuedPHC is the result of a successful IssuePHC.
type IssuedPHC struct {
	Name   string
	Method string
	Expiry int64 // unix seconds
}

// IssuePHC offers a personhood credential valid for the configured period.
// Once accepted, its expiry is recorded with the agent and the wizard completes.
func (s *Service) IssuePHC(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Connected() {
		return ErrNotConnected
	}
	if sess.PHCStep != store.PHCStepIssue || sess.PHCName == "" || sess.PHCMethod == "" {
		return ErrOutOfOrder
	}

	issued := IssuedPHC{
		Name:   sess.PHCName,
		Method: sess.PHCMethod,
		Expiry: s.now().Add(s.validity).Unix(),
	}
	req := agent.PHCIssueRequest{
		Name:               issued.Name,
		Expiry:             issued.Expiry,
		VerificationMethod: issued.Method,
		ConnectionID:       sess.ConnectionID,
	}
	label := sess.TheirLabel

	return s.tracker.Start(sessionID, FlowPHCIssue, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting("Issuing your Personhood Credential")
		offer, err := s.agent.IssuePersonhoodCredential(ctx, req)
		if err := s.submitted(FlowPHCIssue, err, "Failed to issue PHC. Please try again."); err != nil {
			return err
		}
		p.Waiting(offer.CredentialRecord.ID, "Accept the credential offer in your wallet")

		return await[*agent.CredentialState](ctx, s, p, sessionID, FlowPHCIssue, KindCredential, offer.CredentialRecord.ID,
			s.agent.CredentialState, outcomes[*agent.CredentialState]{
				done: func(ctx context.Context, _ *agent.CredentialState) error {
					rec := agent.PHCRecord{TheirLabel: label, Expiry: strconv.FormatInt(issued.Expiry, 10)}
					if err := s.agent.RecordPersonhood(ctx, rec); err != nil {
						// Best effort once the wallet accepted the credential.
						s.logger.Warn("recording PHC expiry", "session_id", sessionID, "error", err)
					}
					if err := s.mutate(ctx, sessionID, func(sess *store.Session) {
						sess.PHCStep = store.PHCStepComplete
					}); err != nil {
						return err
					}
					p.Succeed("Your PHC has been issued and added to your wallet.", issued)
					return nil
				},
				abandoned: phcAbandoned,
				timedOut:  "PHC issuance process timed out. Please try again.",
			})
	})
}

func phcAbandoned(st *agent.CredentialState) string {
	if st != nil && st.ErrorMessage != "" {
		return st.ErrorMessage
	}
	return "PHC issuance was abandoned."
}

// RestartPHC sends the wizard back to its first step, keeping the connection.
func (s *Service) RestartPHC(ctx context.Context, sessionID string) error {
	s.tracker.Dismiss(sessionID, FlowPHCConnect)
	s.tracker.Dismiss(sessionID, FlowPHCIssue)
	return s.mutate(ctx, sessionID, func(sess *store.Session) {
		sess.PHCStep = store.PHCStepConnect
		sess.PHCName = ""
		sess.PHCMethod = ""
	})
}
