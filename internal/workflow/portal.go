// ABOUTME: Portal flows: wallet connection, personhood check, module gating and completion
// ABOUTME: Module N>1 opens only after the holder proves completion of module N-1

package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/store"
)

// Connection is the result of a successful Connect.
type Connection struct {
	ConnectionID string
	TheirLabel   string
}

// Connect creates an invitation, shows it as a QR code, and waits for the
// wallet to accept it. The connection is stored on the session.
func (s *Service) Connect(ctx context.Context, sessionID string) error {
	if _, err := s.session(ctx, sessionID); err != nil {
		return err
	}
	return s.connect(sessionID, FlowConnect, nil)
}

// connect runs the invitation flow under flow. then, when set, adjusts the
// session further once connected.
func (s *Service) connect(sessionID, flow string, then func(*store.Session)) error {
	return s.tracker.Start(sessionID, flow, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting("Creating invitation")
		inv, err := s.agent.CreateInvitation(ctx)
		if err := s.submitted(flow, err, "Failed to create invitation. Please try again."); err != nil {
			return err
		}
		p.ShowQR(inv.InvitationURL)
		p.Waiting(inv.OutOfBandID, "Scan this QR code with your digital wallet")

		return await[*agent.ConnectionState](ctx, s, p, sessionID, flow, KindConnection, inv.OutOfBandID,
			s.agent.ConnectionState, outcomes[*agent.ConnectionState]{
				done: func(ctx context.Context, st *agent.ConnectionState) error {
					if st.ConnectionID == "" {
						return &Failure{Message: "Failed to establish connection. Please try again."}
					}
					err := s.mutate(ctx, sessionID, func(sess *store.Session) {
						sess.ConnectionID = st.ConnectionID
						sess.TheirLabel = st.TheirLabel
						if then != nil {
							then(sess)
						}
					})
					if err != nil {
						return err
					}
					p.Succeed("Connected to "+labelOr(st.TheirLabel), Connection{
						ConnectionID: st.ConnectionID,
						TheirLabel:   st.TheirLabel,
					})
					return nil
				},
				abandoned: func(*agent.ConnectionState) string {
					return "Connection was abandoned. Please try again."
				},
				timedOut: "Failed to establish connection. Please try again.",
			})
	})
}

func labelOr(label string) string {
	if label == "" {
		return "your wallet"
	}
	return label
}

// VerifyPersonhood asks the connected wallet for a personhood proof and
// records whether it verified.
func (s *Service) VerifyPersonhood(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Connected() {
		return ErrNotConnected
	}
	connectionID := sess.ConnectionID

	const failed = "Failed to verify Personhood Credential. Please try again."
	return s.tracker.Start(sessionID, FlowVerifyPersonhood, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting("Requesting personhood proof")
		req, err := s.agent.RequestPersonhoodProofFor(ctx, connectionID)
		if err := s.submitted(FlowVerifyPersonhood, err, failed); err != nil {
			return err
		}
		p.Waiting(req.ProofRecord.ID, "Approve the proof request in your wallet")

		return await[*agent.ProofState](ctx, s, p, sessionID, FlowVerifyPersonhood, KindProof, req.ProofRecord.ID,
			s.agent.VerificationState, outcomes[*agent.ProofState]{
				done: func(ctx context.Context, st *agent.ProofState) error {
					if err := s.mutate(ctx, sessionID, func(sess *store.Session) {
						sess.HasPHC = st.Verified
					}); err != nil {
						return err
					}
					if !st.Verified {
						return &Failure{Message: "Your Personhood Credential could not be verified."}
					}
					p.Succeed("Personhood verified. The training modules are unlocked.", true)
					return nil
				},
				abandoned: func(*agent.ProofState) string { return failed },
				timedOut:  "Verification process timed out. Please try again.",
			})
	})
}

// OpenModule selects a module. Module 1 opens at once and OpenModule reports
// false; any later module starts a proof of completion of the previous one
// and reports true.
func (s *Service) OpenModule(ctx context.Context, sessionID string, moduleID int) (bool, error) {
	if _, err := s.catalog.Get(moduleID); err != nil {
		return false, err
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !sess.HasPHC {
		return false, ErrNoPersonhood
	}

	if moduleID == 1 {
		err := s.update(ctx, sessionID, func(sess *store.Session) error {
			if !sess.HasPHC {
				return ErrNoPersonhood
			}
			sess.CurrentModule = 1
			return nil
		})
		return false, err
	}

	if !sess.Connected() {
		return false, ErrNotConnected
	}
	prev, err := s.catalog.Get(moduleID - 1)
	if err != nil {
		return false, err
	}
	connectionID := sess.ConnectionID
	rejected := fmt.Sprintf("Failed to verify completion of module %d. Please try again.", prev.ID)

	err = s.tracker.Start(sessionID, FlowOpenModule, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting(fmt.Sprintf("Requesting proof of %s", prev.Title))
		req, err := s.agent.RequestModuleProof(ctx, prev.Title, connectionID)
		if err := s.submitted(FlowOpenModule, err,
			"An error occurred while verifying the module. Please try again."); err != nil {
			return err
		}
		p.Waiting(req.ProofRecord.ID, fmt.Sprintf("Share your %s credential from your wallet", prev.Title))

		return await[*agent.ProofState](ctx, s, p, sessionID, FlowOpenModule, KindProof, req.ProofRecord.ID,
			s.agent.VerificationState, outcomes[*agent.ProofState]{
				done: func(ctx context.Context, st *agent.ProofState) error {
					if !st.Verified {
						return &Failure{Message: rejected}
					}
					if err := s.mutate(ctx, sessionID, func(sess *store.Session) {
						sess.CurrentModule = moduleID
					}); err != nil {
						return err
					}
					p.Succeed(fmt.Sprintf("Module %d completion verified.", prev.ID), moduleID)
					return nil
				},
				abandoned: func(*agent.ProofState) string { return rejected },
				timedOut:  "Module verification timed out. Please try again.",
			})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompleteModule issues the module's completion credential to the connected
// wallet under name, with marks drawn from Options.Marks.
func (s *Service) CompleteModule(ctx context.Context, sessionID string, moduleID int, name string) error {
	mod, err := s.catalog.Get(moduleID)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.HasPHC {
		return ErrNoPersonhood
	}
	if !sess.Connected() {
		return ErrNotConnected
	}
	if sess.CurrentModule != moduleID {
		return ErrOutOfOrder
	}

	req := agent.ModuleCredentialRequest{
		Name:         name,
		Marks:        strconv.Itoa(s.marks()),
		ConnectionID: sess.ConnectionID,
	}
	const failed = "Failed to issue credential. Please try again."
	return s.tracker.Start(sessionID, FlowCompleteModule, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting("Issuing your " + mod.Title + " credential")
		offer, err := s.agent.IssueModuleCredential(ctx, mod.Title, req)
		if err := s.submitted(FlowCompleteModule, err, failed); err != nil {
			return err
		}
		p.Waiting(offer.CredentialRecord.ID, "Accept the credential offer in your wallet")

		return await[*agent.CredentialState](ctx, s, p, sessionID, FlowCompleteModule, KindCredential, offer.CredentialRecord.ID,
			s.agent.CredentialState, outcomes[*agent.CredentialState]{
				done: func(ctx context.Context, _ *agent.CredentialState) error {
					if err := s.store.MarkModuleCompleted(ctx, sessionID, moduleID, s.now()); err != nil {
						return fmt.Errorf("marking module completed: %w", err)
					}
					p.Succeed(fmt.Sprintf("Module %d complete. Your credential is in your wallet.", moduleID), req.Marks)
					return nil
				},
				abandoned: func(*agent.CredentialState) string { return failed },
				timedOut:  "Credential issuance timed out. Please try again.",
			})
	})
}
