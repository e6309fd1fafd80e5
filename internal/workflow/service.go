// ABOUTME: Workflow service wiring the agent, poller, tracker, store, and handle registry
// ABOUTME: Every flow submits once, then polls the returned handle in a tracked job

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/dedupe"
	"github.com/2389/ssi-portal/internal/metrics"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/poller"
	"github.com/2389/ssi-portal/internal/store"
)

// Flow names key tracked jobs and label metrics and ledger entries.
const (
	FlowConnect          = "portal.connect"
	FlowVerifyPersonhood = "portal.verify"
	FlowOpenModule       = "portal.module"
	FlowCompleteModule   = "portal.complete"
	FlowOnboardingVerify = "onboarding.verify"
	FlowOnboardingCard   = "onboarding.card"
	FlowPHCConnect       = "phc.connect"
	FlowPHCIssue         = "phc.issue"
	FlowPerformance      = "performance"
	FlowSkills           = "skills"
)

// Ledger kinds.
const (
	KindConnection = "connection"
	KindProof      = "proof"
	KindCredential = "credential"
)

// DefaultPHCValidity is how long an issued personhood credential stays valid.
const DefaultPHCValidity = 60 * time.Hour

// Agent is the subset of the credential agent the flows use.
type Agent interface {
	CreateInvitation(ctx context.Context) (*agent.Invitation, error)
	ConnectionState(ctx context.Context, outOfBandID string) (*agent.ConnectionState, error)
	RequestPersonhoodProof(ctx context.Context) (*agent.ProofRequest, error)
	RequestPersonhoodProofFor(ctx context.Context, connectionID string) (*agent.ProofRequest, error)
	RequestModuleProof(ctx context.Context, moduleTitle, connectionID string) (*agent.ProofRequest, error)
	RequestPerformanceProof(ctx context.Context, connectionID string) (*agent.ProofRequest, error)
	RequestSkillsProof(ctx context.Context, connectionID string) (*agent.ProofRequest, error)
	VerificationState(ctx context.Context, proofID string) (*agent.ProofState, error)
	RequestedData(ctx context.Context, proofID string) (*agent.RequestedProof, error)
	VerifyBankAccount(ctx context.Context, ifsc, accountNumber string) (*agent.BankVerification, error)
	IssueStudentAccessCard(ctx context.Context, name string) (*agent.CredentialOffer, error)
	IssueModuleCredential(ctx context.Context, moduleTitle string, req agent.ModuleCredentialRequest) (*agent.CredentialOffer, error)
	IssuePersonhoodCredential(ctx context.Context, req agent.PHCIssueRequest) (*agent.CredentialOffer, error)
	CredentialState(ctx context.Context, credentialID string) (*agent.CredentialState, error)
	CheckPersonhood(ctx context.Context, theirLabel string) (*agent.PHCCheck, error)
	RecordPersonhood(ctx context.Context, rec agent.PHCRecord) error
	GitHubLoginURL() string
}

var _ Agent = (*agent.Client)(nil)

// Options configures a Service.
type Options struct {
	Poll        poller.Options
	PHCValidity time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// Marks picks the marks put on a module credential. Defaults to a
	// uniform draw from 80 to 100.
	Marks func() int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service runs the portal's flows for one agent.
type Service struct {
	agent    Agent
	store    store.Store
	tracker  *operations.Tracker
	handles  *dedupe.Registry
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	pollOpts poller.Options
	validity time.Duration
	marks    func() int
	now      func() time.Time
	locks    *sessionLocks
	logger   *slog.Logger
}

// New creates a workflow service.
func New(a Agent, s store.Store, tracker *operations.Tracker, handles *dedupe.Registry, cat *catalog.Catalog, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "workflow")

	pollOpts := opts.Poll
	if pollOpts.Logger == nil {
		pollOpts.Logger = logger
	}
	validity := opts.PHCValidity
	if validity <= 0 {
		validity = DefaultPHCValidity
	}
	marks := opts.Marks
	if marks == nil {
		marks = func() int { return 80 + rand.IntN(21) }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		agent:    a,
		store:    s,
		tracker:  tracker,
		handles:  handles,
		catalog:  cat,
		metrics:  opts.Metrics,
		pollOpts: pollOpts,
		validity: validity,
		marks:    marks,
		now:      now,
		locks:    newSessionLocks(),
		logger:   logger,
	}
}

// Catalog returns the module catalog the flows use.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// View returns the latest snapshot of a session's flow.
func (s *Service) View(sessionID, flow string) (operations.Snapshot, bool) {
	return s.tracker.View(sessionID, flow)
}

// Dismiss forgets a finished flow so its outcome is shown once.
func (s *Service) Dismiss(sessionID, flow string) {
	s.tracker.Dismiss(sessionID, flow)
}

// Session returns the current record of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.session(ctx, sessionID)
}

// CompletedModules lists the modules a session completed.
func (s *Service) CompletedModules(ctx context.Context, sessionID string) ([]int, error) {
	return s.store.ListCompletedModules(ctx, sessionID)
}

// History returns a session's most recent ledger entries.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]*store.Operation, error) {
	return s.store.ListOperations(ctx, sessionID, limit)
}

// Reset cancels every running flow of the session and clears its record.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	s.tracker.CancelSession(sessionID)
	unlock := s.locks.lock(sessionID)
	defer unlock()
	if err := s.store.ResetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("resetting session: %w", err)
	}
	s.logger.Info("session reset", "session_id", sessionID)
	return nil
}

// session loads the session and checks it is still usable.
func (s *Service) session(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

// mutate re-reads the session, applies fn, and writes it back.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*store.Session)) error {
	return s.update(ctx, sessionID, func(sess *store.Session) error {
		fn(sess)
		return nil
	})
}

// update is mutate for changes that can be refused. It holds the session's
// lock from the read to the write, and writes nothing once ctx is done or fn
// returns an error.
func (s *Service) update(ctx context.Context, sessionID string, fn func(*store.Session) error) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// sameConnection refuses a change when the session lost or replaced the
// connection a request started with.
func sameConnection(connectionID string) func(*store.Session) error {
	return func(sess *store.Session) error {
		if sess.ConnectionID != connectionID {
			return ErrSessionChanged
		}
		return nil
	}
}

// submitted records a submission for metrics and turns a failure into a
// user-facing Failure.
func (s *Service) submitted(flow string, err error, msg string) error {
	s.metrics.RecordSubmission(flow, err)
	if err == nil {
		return nil
	}
	s.logger.Warn("submission failed", "flow", flow, "error", err)
	return &Failure{Message: msg, Err: err}
}

// outcomes are the flow-specific continuations of one awaited handle.
type outcomes[T poller.Observation] struct {
	done      func(ctx context.Context, last T) error
	abandoned func(last T) string
	timedOut  string
}

// await polls handle until it settles, dispatching to o, and writes the
// outcome to the ledger. A settled handle is never polled again.
func await[T poller.Observation](ctx context.Context, s *Service, p *operations.Progress, sessionID, flow, kind, handle string, fetch poller.FetchFunc[T], o outcomes[T]) error {
	if err := s.handles.Claim(handle); err != nil {
		if errors.Is(err, dedupe.ErrHandleSettled) {
			return ErrHandleSettled
		}
		return fmt.Errorf("claiming handle: %w", err)
	}

	if err := s.store.RecordOperation(ctx, &store.Operation{
		Handle:    handle,
		SessionID: sessionID,
		Flow:      flow,
		Kind:      kind,
		CreatedAt: s.now(),
	}); err != nil {
		s.logger.Warn("recording operation", "handle", handle, "error", err)
	}

	keepClaim := func(ctx context.Context, handle string) (T, error) {
		s.handles.Touch(handle)
		return fetch(ctx, handle)
	}

	var failure error
	res, err := poller.Run(ctx, handle, keepClaim, s.pollOpts, poller.Handlers[T]{
		OnDone: func(ctx context.Context, last T) {
			failure = o.done(ctx, last)
		},
		OnAbandoned: func(_ context.Context, last T) {
			failure = &Failure{Message: o.abandoned(last)}
		},
		OnTimeout: func(_ context.Context, res poller.Result[T]) {
			failure = &Failure{Message: o.timedOut, Err: res.Err}
		},
	}, s.metrics.PollObserver(flow))
	if err != nil {
		s.handles.Release(handle)
		return err
	}

	s.settle(ctx, handle, res.Outcome, res.Attempts, string(res.Status), failure)
	return failure
}

// settle marks the handle in the registry and the ledger.
func (s *Service) settle(ctx context.Context, handle string, outcome poller.Outcome, attempts int, status string, failure error) {
	if outcome == poller.OutcomeCanceled {
		s.handles.Release(handle)
	} else {
		s.handles.Settle(handle, string(outcome))
	}

	st := store.Settlement{
		Outcome:    string(outcome),
		Attempts:   attempts,
		LastStatus: status,
		SettledAt:  s.now(),
	}
	if failure != nil {
		st.Error = failure.Error()
		if outcome == poller.OutcomeDone {
			st.Outcome = store.OutcomeFailed
		}
	}
	if err := s.store.SettleOperation(context.WithoutCancel(ctx), handle, st); err != nil {
		s.logger.Warn("settling operation", "handle", handle, "error", err)
	}
	s.logger.Info("operation settled", "handle", handle, "outcome", st.Outcome, "attempts", attempts)
}
