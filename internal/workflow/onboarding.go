// ABOUTME: Onboarding flow: connectionless personhood proof, then the student access card
// ABOUTME: Both steps hand the holder a QR code and poll until the wallet responds

package workflow

import (
	"context"
	"strings"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/store"
)

// Onboarding steps stored on the session.
const (
	OnboardingVerify   = 0
	OnboardingCard     = 1
	OnboardingComplete = 2
)

// VerifyOnboarding starts a connectionless personhood proof. On success the
// session moves to the student access card step.
func (s *Service) VerifyOnboarding(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OnboardingStep != OnboardingVerify {
		return ErrOutOfOrder
	}

	return s.tracker.Start(sessionID, FlowOnboardingVerify, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting("Creating personhood proof request")
		req, err := s.agent.RequestPersonhoodProof(ctx)
		if err := s.submitted(FlowOnboardingVerify, err,
			"Failed to initiate personhood verification. Please try again."); err != nil {
			return err
		}
		if req.ProofURL != "" {
			p.ShowQR(req.ProofURL)
		}
		p.Waiting(req.ProofRecord.ID, "Scan this QR code with your digital wallet")

		return await[*agent.ProofState](ctx, s, p, sessionID, FlowOnboardingVerify, KindProof, req.ProofRecord.ID,
			s.agent.VerificationState, outcomes[*agent.ProofState]{
				done: func(ctx context.Context, _ *agent.ProofState) error {
					if err := s.mutate(ctx, sessionID, func(sess *store.Session) {
						sess.OnboardingStep = OnboardingCard
					}); err != nil {
						return err
					}
					p.Succeed("Personhood verified. Now let's issue your Student Access Card.", nil)
					return nil
				},
				abandoned: func(*agent.ProofState) string { return "Verification failed. Please try again." },
				timedOut:  "Verification process timed out. Please try again.",
			})
	})
}

// IssueStudentCard offers the student access card to the holder named name.
// On acceptance onboarding is complete.
func (s *Service) IssueStudentCard(ctx context.Context, sessionID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.OnboardingStep != OnboardingCard {
		return ErrOutOfOrder
	}

	const failed = "Failed to issue credential. Please try again."
	return s.tracker.Start(sessionID, FlowOnboardingCard, func(ctx context.Context, p *operations.Progress) error {
		p.Submitting("Issuing your Student Access Card")
		offer, err := s.agent.IssueStudentAccessCard(ctx, name)
		if err := s.submitted(FlowOnboardingCard, err,
			"Failed to issue student access card. Please try again."); err != nil {
			return err
		}
		if offer.CredentialURL != "" {
			p.ShowQR(offer.CredentialURL)
		}
		p.Waiting(offer.CredentialRecord.ID, "Scan this QR code to receive your Student Access Card")

		return await[*agent.CredentialState](ctx, s, p, sessionID, FlowOnboardingCard, KindCredential, offer.CredentialRecord.ID,
			s.agent.CredentialState, outcomes[*agent.CredentialState]{
				done: func(ctx context.Context, _ *agent.CredentialState) error {
					if err := s.mutate(ctx, sessionID, func(sess *store.Session) {
						sess.OnboardingStep = OnboardingComplete
					}); err != nil {
						return err
					}
					p.Succeed("Onboarding complete! You received your Student Access Card.", nil)
					return nil
				},
				abandoned: func(*agent.CredentialState) string { return failed },
				timedOut:  "Credential issuance timed out. Please try again.",
			})
	})
}
