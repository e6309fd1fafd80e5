// ABOUTME: Tests for the workflow flows against the fake credential agent
// ABOUTME: Covers session transitions, failure messages, the ledger, and handle reuse

package workflow

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/agent/agenttest"
	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/dedupe"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/poller"
	"github.com/2389/ssi-portal/internal/store"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	fake    *agenttest.Agent
	store   *store.MockStore
	tracker *operations.Tracker
	handles *dedupe.Registry
}

func newHarness(t *testing.T, opts agenttest.Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, func(c *agent.Client) Agent { return c })
}

// newHarnessWith lets a test put wrap around the agent client.
func newHarnessWith(t *testing.T, opts agenttest.Options, wrap func(*agent.Client) Agent) *harness {
	t.Helper()

	fake := agenttest.New(opts)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := agent.New(agent.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	client := wrap(c)

	st := store.NewMockStore()
	tracker := operations.New(nil, nil)
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })
	handles := dedupe.New(time.Minute, 100)
	t.Cleanup(handles.Close)

	svc := New(client, st, tracker, handles, catalog.MustDefault(), Options{
		Poll:  poller.Options{Interval: time.Millisecond, MaxAttempts: 10},
		Marks: func() int { return 93 },
		Now:   func() time.Time { return fixedNow },
	})
	return &harness{svc: svc, fake: fake, store: st, tracker: tracker, handles: handles}
}

// newSession creates a session and applies fn to it first.
func (h *harness) newSession(t *testing.T, id string, fn func(*store.Session)) string {
	t.Helper()
	now := time.Now()
	sess := &store.Session{ID: id, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if fn != nil {
		fn(sess)
	}
	require.NoError(t, h.store.CreateSession(context.Background(), sess))
	return id
}

func (h *harness) wait(t *testing.T, sessionID, flow string) operations.Snapshot {
	t.Helper()
	done := h.tracker.Done(sessionID, flow)
	require.NotNil(t, done, "no job for %s", flow)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not finish", flow)
	}
	snap, ok := h.tracker.View(sessionID, flow)
	require.True(t, ok)
	return snap
}

func (h *harness) get(t *testing.T, id string) *store.Session {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func connected(sess *store.Session) {
	sess.ConnectionID = "conn-1"
	sess.TheirLabel = "Test Wallet"
}

func withPHC(sess *store.Session) {
	connected(sess)
	sess.HasPHC = true
}

func (h *harness) paths() []string {
	var out []string
	for _, r := range h.fake.Requests() {
		out = append(out, r.Method+" "+r.Path)
	}
	return out
}

func TestConnect_Success(t *testing.T) {
	h := newHarness(t, agenttest.DefaultOptions())
	sid := h.newSession(t, "s1", nil)
	ctx := context.Background()

	require.NoError(t, h.svc.Connect(ctx, sid))
	snap := h.wait(t, sid, FlowConnect)

	require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)
	assert.Equal(t, "Connected to Test Wallet", snap.Message)
	assert.Equal(t, Connection{ConnectionID: "conn-connection-1", TheirLabel: "Test Wallet"}, snap.Result)

	sess := h.get(t, sid)
	assert.Equal(t, "conn-connection-1", sess.ConnectionID)
	assert.Equal(t, "Test Wallet", sess.TheirLabel)
	assert.Equal(t, store.PHCStepConnect, sess.PHCStep, "portal connect leaves the PHC wizard alone")

	op, err := h.store.GetOperation(ctx, "connection-1")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeDone, op.Outcome)
	assert.Equal(t, FlowConnect, op.Flow)
	assert.Equal(t, KindConnection, op.Kind)
	assert.Equal(t, 3, op.Attempts)
	assert.Equal(t, "done", op.LastStatus)
	assert.Equal(t, 3, h.fake.Polls("connection-1"))
}

func TestConnect_Abandoned(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Connection = agenttest.Script{Pending: 1, Terminal: "abandoned"}
	h := newHarness(t, opts)
	sid := h.newSession(t, "s1", nil)

	require.NoError(t, h.svc.Connect(context.Background(), sid))
	snap := h.wait(t, sid, FlowConnect)

	assert.Equal(t, operations.PhaseFailed, snap.Phase)
	assert.Equal(t, "Connection was abandoned. Please try again.", snap.Error)
	assert.Empty(t, snap.QR)
	assert.False(t, h.get(t, sid).Connected())

	op, err := h.store.GetOperation(context.Background(), "connection-1")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeAbandoned, op.Outcome)
	assert.Equal(t, 2, h.fake.Polls("connection-1"), "no polls after abandoned")
}

func TestConnect_CeilingTimesOut(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Connection = agenttest.Script{}
	h := newHarness(t, opts)
	sid := h.newSession(t, "s1", nil)

	require.NoError(t, h.svc.Connect(context.Background(), sid))
	snap := h.wait(t, sid, FlowConnect)

	assert.Equal(t, operations.PhaseFailed, snap.Phase)
	assert.Equal(t, "Failed to establish connection. Please try again.", snap.Error)
	assert.Equal(t, 10, h.fake.Polls("connection-1"))

	op, err := h.store.GetOperation(context.Background(), "connection-1")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeTimedOut, op.Outcome)
	assert.Equal(t, 10, op.Attempts)
}

func TestConnect_SubmissionFailure(t *testing.T) {
	h := newHarness(t, agenttest.DefaultOptions())
	h.fake.SetUnavailable(true)
	sid := h.newSession(t, "s1", nil)

	require.NoError(t, h.svc.Connect(context.Background(), sid))
	snap := h.wait(t, sid, FlowConnect)

	assert.Equal(t, operations.PhaseFailed, snap.Phase)
	assert.Equal(t, "Failed to create invitation. Please try again.", snap.Error)

	ops, err := h.svc.History(context.Background(), sid, 10)
	require.NoError(t, err)
	assert.Empty(t, ops, "nothing to poll, nothing in the ledger")
}

func TestConnect_UnknownSession(t *testing.T) {
	h := newHarness(t, agenttest.DefaultOptions())
	err := h.svc.Connect(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyPersonhood(t *testing.T) {
	ctx := context.Background()

	t.Run("requires connection", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", nil)
		assert.ErrorIs(t, h.svc.VerifyPersonhood(ctx, sid), ErrNotConnected)
	})

	t.Run("verified", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", connected)

		require.NoError(t, h.svc.VerifyPersonhood(ctx, sid))
		snap := h.wait(t, sid, FlowVerifyPersonhood)

		assert.Equal(t, operations.PhaseDone, snap.Phase)
		assert.True(t, h.get(t, sid).HasPHC)
		assert.Contains(t, h.paths(), "POST /verification/verify-phc/connectionId/conn-1")
	})

	t.Run("not verified", func(t *testing.T) {
		opts := agenttest.DefaultOptions()
		opts.Unverified = true
		h := newHarness(t, opts)
		sid := h.newSession(t, "s1", withPHC)

		require.NoError(t, h.svc.VerifyPersonhood(ctx, sid))
		snap := h.wait(t, sid, FlowVerifyPersonhood)

		assert.Equal(t, operations.PhaseFailed, snap.Phase)
		assert.False(t, h.get(t, sid).HasPHC)

		op, err := h.store.GetOperation(ctx, "proof-1")
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeFailed, op.Outcome)
	})

	t.Run("abandoned", func(t *testing.T) {
		opts := agenttest.DefaultOptions()
		opts.Proof = agenttest.Script{Terminal: "abandoned"}
		h := newHarness(t, opts)
		sid := h.newSession(t, "s1", connected)

		require.NoError(t, h.svc.VerifyPersonhood(ctx, sid))
		snap := h.wait(t, sid, FlowVerifyPersonhood)

		assert.Equal(t, "Failed to verify Personhood Credential. Please try again.", snap.Error)
		assert.False(t, h.get(t, sid).HasPHC)
	})
}

func TestOpenModule(t *testing.T) {
	ctx := context.Background()

	t.Run("requires personhood", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", connected)
		_, err := h.svc.OpenModule(ctx, sid, 1)
		assert.ErrorIs(t, err, ErrNoPersonhood)
	})

	t.Run("unknown module", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", withPHC)
		_, err := h.svc.OpenModule(ctx, sid, 9)
		assert.ErrorIs(t, err, ErrUnknownModule)
	})

	t.Run("first module opens without proof", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", withPHC)

		pending, err := h.svc.OpenModule(ctx, sid, 1)
		require.NoError(t, err)
		assert.False(t, pending)
		assert.Equal(t, 1, h.get(t, sid).CurrentModule)
		assert.Empty(t, h.fake.Requests())
	})

	t.Run("later module proves the previous one", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", withPHC)

		pending, err := h.svc.OpenModule(ctx, sid, 3)
		require.NoError(t, err)
		assert.True(t, pending)

		snap := h.wait(t, sid, FlowOpenModule)
		assert.Equal(t, operations.PhaseDone, snap.Phase)
		assert.Equal(t, "Module 2 completion verified.", snap.Message)
		assert.Equal(t, 3, h.get(t, sid).CurrentModule)

		reqs := h.fake.Requests()
		require.NotEmpty(t, reqs)
		assert.Equal(t, "/verification/verify/Digital Identity Fundamentals V2", reqs[0].Path)
		assert.Equal(t, "conn-1", reqs[0].Body["connectionId"])
	})

	t.Run("rejected proof keeps the module closed", func(t *testing.T) {
		opts := agenttest.DefaultOptions()
		opts.Proof = agenttest.Script{Terminal: "abandoned"}
		h := newHarness(t, opts)
		sid := h.newSession(t, "s1", withPHC)

		_, err := h.svc.OpenModule(ctx, sid, 2)
		require.NoError(t, err)
		snap := h.wait(t, sid, FlowOpenModule)

		assert.Equal(t, "Failed to verify completion of module 1. Please try again.", snap.Error)
		assert.Zero(t, h.get(t, sid).CurrentModule)
	})
}

func TestCompleteModule(t *testing.T) {
	ctx := context.Background()

	t.Run("name required", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", withPHC)
		assert.ErrorIs(t, h.svc.CompleteModule(ctx, sid, 1, "   "), ErrNameRequired)
	})

	t.Run("module must be open", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", withPHC)
		assert.ErrorIs(t, h.svc.CompleteModule(ctx, sid, 2, "Ada"), ErrOutOfOrder)
	})

	t.Run("issues credential and records progress", func(t *testing.T) {
		h := newHarness(t, agenttest.DefaultOptions())
		sid := h.newSession(t, "s1", func(s *store.Session) {
			withPHC(s)
			s.CurrentModule = 2
		})

		require.NoError(t, h.svc.CompleteModule(ctx, sid, 2, " Ada "))
		snap := h.wait(t, sid, FlowCompleteModule)
		require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)
		assert.Equal(t, "93", snap.Result)

		done, err := h.svc.CompletedModules(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, []int{2}, done)

		req := h.fake.Requests()[0]
		assert.Equal(t, "/issuance/issue/Digital Identity Fundamentals V2", req.Path)
		assert.Equal(t, "Ada", req.Body["name"])
		assert.Equal(t, "93", req.Body["marks"])
		assert.Equal(t, "conn-1", req.Body["connectionId"])
	})

	t.Run("abandoned offer records nothing", func(t *testing.T) {
		opts := agenttest.DefaultOptions()
		opts.Credential = agenttest.Script{Terminal: "abandoned"}
		h := newHarness(t, opts)
		sid := h.newSession(t, "s1", func(s *store.Session) {
			withPHC(s)
			s.CurrentModule = 1
		})

		require.NoError(t, h.svc.CompleteModule(ctx, sid, 1, "Ada"))
		snap := h.wait(t, sid, FlowCompleteModule)
		assert.Equal(t, "Failed to issue credential. Please try again.", snap.Error)

		done, err := h.svc.CompletedModules(ctx, sid)
		require.NoError(t, err)
		assert.Empty(t, done)
	})
}

func TestDefaultMarksRange(t *testing.T) {
	svc := New(nil, nil, nil, nil, nil, Options{})
	for range 200 {
		m := svc.marks()
		assert.GreaterOrEqual(t, m, 80)
		assert.LessOrEqual(t, m, 100)
	}
}

func TestOnboarding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, agenttest.DefaultOptions())
	sid := h.newSession(t, "s1", nil)

	assert.ErrorIs(t, h.svc.IssueStudentCard(ctx, sid, "Ada"), ErrOutOfOrder)

	require.NoError(t, h.svc.VerifyOnboarding(ctx, sid))
	snap := h.wait(t, sid, FlowOnboardingVerify)
	require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)
	assert.Equal(t, OnboardingCard, h.get(t, sid).OnboardingStep)
	assert.Equal(t, "POST /verification/verify-phc", h.paths()[0])

	assert.ErrorIs(t, h.svc.VerifyOnboarding(ctx, sid), ErrOutOfOrder)
	assert.ErrorIs(t, h.svc.IssueStudentCard(ctx, sid, ""), ErrNameRequired)

	require.NoError(t, h.svc.IssueStudentCard(ctx, sid, "Ada Lovelace"))
	snap = h.wait(t, sid, FlowOnboardingCard)
	require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)
	assert.Equal(t, OnboardingComplete, h.get(t, sid).OnboardingStep)
	assert.Contains(t, h.paths(), "POST /issuance/issue-student-access-card/name/Ada Lovelace")
}

func TestOnboarding_VerificationAbandoned(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Proof = agenttest.Script{Terminal: "abandoned"}
	h := newHarness(t, opts)
	sid := h.newSession(t, "s1", nil)

	require.NoError(t, h.svc.VerifyOnboarding(context.Background(), sid))
	snap := h.wait(t, sid, FlowOnboardingVerify)

	assert.Equal(t, "Verification failed. Please try again.", snap.Error)
	assert.Equal(t, OnboardingVerify, h.get(t, sid).OnboardingStep)
}

func TestPHCWizard_BankPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, agenttest.DefaultOptions())
	sid := h.newSession(t, "s1", nil)

	require.NoError(t, h.svc.ConnectPHC(ctx, sid))
	snap := h.wait(t, sid, FlowPHCConnect)
	require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)
	assert.Equal(t, store.PHCStepVerify, h.get(t, sid).PHCStep)

	needNew, err := h.svc.CheckExistingPHC(ctx, sid)
	require.NoError(t, err)
	assert.True(t, needNew)
	assert.Equal(t, store.PHCStepAuthenticate, h.get(t, sid).PHCStep)
	assert.Contains(t, h.paths(), "POST /phc/check-and-issue/theirLabel/Test Wallet")

	assert.ErrorIs(t, h.svc.IssuePHC(ctx, sid), ErrOutOfOrder)

	err = h.svc.VerifyBank(ctx, sid, "SBIN0000001", "000")
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "Bank account verification failed. Please check your details and try again.", f.Message)

	require.NoError(t, h.svc.VerifyBank(ctx, sid, "SBIN0000001", "1234567890"))
	sess := h.get(t, sid)
	assert.Equal(t, store.PHCStepIssue, sess.PHCStep)
	assert.Equal(t, "Ada Lovelace", sess.PHCName)
	assert.Equal(t, agent.MethodBank, sess.PHCMethod)

	require.NoError(t, h.svc.IssuePHC(ctx, sid))
	snap = h.wait(t, sid, FlowPHCIssue)
	require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)

	expiry := fixedNow.Add(DefaultPHCValidity).Unix()
	assert.Equal(t, IssuedPHC{Name: "Ada Lovelace", Method: agent.MethodBank, Expiry: expiry}, snap.Result)
	assert.Equal(t, store.PHCStepComplete, h.get(t, sid).PHCStep)

	assert.Equal(t, int64(1748995200), expiry)
	assert.Contains(t, h.paths(),
		"POST /issuance/issue-phc/name/Ada Lovelace/expiry/1748995200/verificationMethod/BANK/connectionId/conn-connection-1")

	records := h.fake.PHCRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "Test Wallet", records[0]["theirLabel"])
	assert.Equal(t, "1748995200", records[0]["expiry"])
}

func TestCheckExistingPHC_AlreadyHeld(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.ShouldIssueNewPHC = false
	h := newHarness(t, opts)
	sid := h.newSession(t, "s1", connected)

	needNew, err := h.svc.CheckExistingPHC(context.Background(), sid)
	require.NoError(t, err)
	assert.False(t, needNew)
	assert.Equal(t, store.PHCStepComplete, h.get(t, sid).PHCStep)
}

func TestCompleteGitHubAuth(t *testing.T) {
	ctx := context.Background()
	authStep := func(s *store.Session) {
		connected(s)
		s.PHCStep = store.PHCStepAuthenticate
	}

	tests := []struct {
		name       string
		authResult string
		errMsg     string
		wantName   string
		wantStep   string
		wantErr    string
	}{
		{"name", `{"success":true,"user":{"name":"Ada Lovelace","login":"ada"}}`, "", "Ada Lovelace", store.PHCStepIssue, ""},
		{"login fallback", `{"success":true,"user":{"login":"ada"}}`, "", "ada", store.PHCStepIssue, ""},
		{"reported failure", `{"success":false,"error":"access denied"}`, "", "", store.PHCStepAuthenticate, "access denied"},
		{"bad json", `{not json`, "", "", store.PHCStepAuthenticate, "An error occurred during authentication"},
		{"error param", "", "GitHub is down", "", store.PHCStepAuthenticate, "GitHub is down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, agenttest.DefaultOptions())
			sid := h.newSession(t, "s1", authStep)

			err := h.svc.CompleteGitHubAuth(ctx, sid, tt.authResult, tt.errMsg)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, Message(err))
			} else {
				require.NoError(t, err)
			}

			sess := h.get(t, sid)
			assert.Equal(t, tt.wantStep, sess.PHCStep)
			assert.Equal(t, tt.wantName, sess.PHCName)
			if tt.wantErr == "" {
				assert.Equal(t, agent.MethodGitHub, sess.PHCMethod)
			}
		})
	}
}

func TestGitHubLoginURL(t *testing.T) {
	h := newHarness(t, agenttest.DefaultOptions())
	sid := h.newSession(t, "s1", nil)
	_, err := h.svc.GitHubLoginURL(context.Background(), sid)
	assert.ErrorIs(t, err, ErrNotConnected)

	sid = h.newSession(t, "s2", connected)
	u, err := h.svc.GitHubLoginURL(context.Background(), sid)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/auth/github/login"))
}

func TestIssuePHC_Abandoned(t *testing.T) {
	issueStep := func(s *store.Session) {
		connected(s)
		s.PHCStep = store.PHCStepIssue
		s.PHCName = "Ada"
		s.PHCMethod = agent.MethodGitHub
	}

	t.Run("agent message", func(t *testing.T) {
		opts := agenttest.DefaultOptions()
		opts.Credential = agenttest.Script{Terminal: "abandoned", ErrorMessage: "wallet declined the offer"}
		h := newHarness(t, opts)
		sid := h.newSession(t, "s1", issueStep)

		require.NoError(t, h.svc.IssuePHC(context.Background(), sid))
		snap := h.wait(t, sid, FlowPHCIssue)
		assert.Equal(t, "wallet declined the offer", snap.Error)
		assert.Equal(t, store.PHCStepIssue, h.get(t, sid).PHCStep)
		assert.Empty(t, h.fake.PHCRecords())
	})

	t.Run("default message", func(t *testing.T) {
		opts := agenttest.DefaultOptions()
		opts.Credential = agenttest.Script{Terminal: "abandoned"}
		h := newHarness(t, opts)
		sid := h.newSession(t, "s1", issueStep)

		require.NoError(t, h.svc.IssuePHC(context.Background(), sid))
		snap := h.wait(t, sid, FlowPHCIssue)
		assert.Equal(t, "PHC issuance was abandoned.", snap.Error)
	})
}

func TestRestartPHC(t *testing.T) {
	h := newHarness(t, agenttest.DefaultOptions())
	sid := h.newSession(t, "s1", func(s *store.Session) {
		connected(s)
		s.PHCStep = store.PHCStepComplete
		s.PHCName = "Ada"
	})

	require.NoError(t, h.svc.RestartPHC(context.Background(), sid))
	sess := h.get(t, sid)
	assert.Equal(t, store.PHCStepConnect, sess.PHCStep)
	assert.Empty(t, sess.PHCName)
	assert.True(t, sess.Connected())
}

func TestCheckPerformance(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Marks = map[string]string{
		"module3_marks": "88",
		"module1_marks": "91",
		"module7_marks": "70",
		"module2_marks": "n/a",
	}
	h := newHarness(t, opts)
	ctx := context.Background()

	sid := h.newSession(t, "s0", nil)
	assert.ErrorIs(t, h.svc.CheckPerformance(ctx, sid), ErrNotConnected)

	sid = h.newSession(t, "s1", connected)
	require.NoError(t, h.svc.CheckPerformance(ctx, sid))
	snap := h.wait(t, sid, FlowPerformance)
	require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)

	assert.Equal(t, []ModuleMarks{
		{Module: 1, Title: "Introduction to SSI V2", Marks: 91},
		{Module: 3, Title: "Blockchain and SSI V2", Marks: 88},
		{Module: 7, Title: "Module 7", Marks: 70},
	}, snap.Result)
	assert.Contains(t, h.paths(), "POST /verification/check-performance/connectionId/conn-1")
	assert.Contains(t, h.paths(), "GET /verification/requested-data/id/proof-1")
}

func TestCheckSkills(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Skills = []agenttest.Skill{
		{CourseName: "Blockchain and SSI V2", Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{CourseName: "Privacy and Security in SSI V2", Timestamp: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)},
	}
	h := newHarness(t, opts)
	sid := h.newSession(t, "s1", connected)

	require.NoError(t, h.svc.CheckSkills(context.Background(), sid))
	snap := h.wait(t, sid, FlowSkills)
	require.Equal(t, operations.PhaseDone, snap.Phase, snap.Error)

	assert.Equal(t, []SkillBadge{
		{CourseName: "Blockchain and SSI V2", EarnedOn: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{CourseName: "Privacy and Security in SSI V2", EarnedOn: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)},
	}, snap.Result)
	assert.Equal(t, "GET /verification/skills/connectionId/conn-1", h.paths()[0])
}

func TestCheckSkills_Abandoned(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Proof = agenttest.Script{Terminal: "abandoned"}
	h := newHarness(t, opts)
	sid := h.newSession(t, "s1", connected)

	require.NoError(t, h.svc.CheckSkills(context.Background(), sid))
	snap := h.wait(t, sid, FlowSkills)
	assert.Equal(t, "Verification process was abandoned.", snap.Error)
}

func TestSettledHandleIsNotPolledAgain(t *testing.T) {
	h := newHarness(t, agenttest.DefaultOptions())
	sid := h.newSession(t, "s1", nil)

	require.NoError(t, h.svc.Connect(context.Background(), sid))
	h.wait(t, sid, FlowConnect)
	polls := h.fake.Polls("connection-1")

	require.NoError(t, h.tracker.Start(sid, "replay", func(ctx context.Context, p *operations.Progress) error {
		return await[*agent.ConnectionState](ctx, h.svc, p, sid, "replay", KindConnection, "connection-1",
			h.svc.agent.ConnectionState, outcomes[*agent.ConnectionState]{
				done: func(context.Context, *agent.ConnectionState) error { return nil },
			})
	}))
	snap := h.wait(t, sid, "replay")

	assert.Equal(t, operations.PhaseFailed, snap.Phase)
	assert.Equal(t, ErrHandleSettled.Error(), snap.Error)
	assert.Equal(t, polls, h.fake.Polls("connection-1"))
}

func TestResetCancelsRunningFlows(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Connection = agenttest.Script{}
	h := newHarness(t, opts)
	h.svc.pollOpts.MaxAttempts = -1
	h.svc.pollOpts.Interval = 5 * time.Millisecond

	ctx := context.Background()
	sid := h.newSession(t, "s1", func(s *store.Session) {
		withPHC(s)
		s.OnboardingStep = OnboardingComplete
	})
	require.NoError(t, h.store.MarkModuleCompleted(ctx, sid, 1, fixedNow))

	require.NoError(t, h.svc.Connect(ctx, sid))
	done := h.tracker.Done(sid, FlowConnect)
	require.Eventually(t, func() bool { return h.fake.Polls("connection-1") > 0 }, time.Second, time.Millisecond)

	require.NoError(t, h.svc.Reset(ctx, sid))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop was not canceled")
	}

	_, ok := h.svc.View(sid, FlowConnect)
	assert.False(t, ok)

	sess := h.get(t, sid)
	assert.False(t, sess.Connected())
	assert.False(t, sess.HasPHC)
	assert.Equal(t, OnboardingVerify, sess.OnboardingStep)
	modules, err := h.svc.CompletedModules(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, modules)

	op, err := h.store.GetOperation(ctx, "connection-1")
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeCanceled, op.Outcome)

	n := h.fake.Polls("connection-1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, h.fake.Polls("connection-1"), "no polls after reset")
}

func TestRestartReplacesRunningFlow(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Connection = agenttest.Script{}
	h := newHarness(t, opts)
	h.svc.pollOpts.MaxAttempts = -1

	ctx := context.Background()
	sid := h.newSession(t, "s1", nil)

	require.NoError(t, h.svc.Connect(ctx, sid))
	first := h.tracker.Done(sid, FlowConnect)
	require.Eventually(t, func() bool { return h.fake.Polls("connection-1") > 0 }, time.Second, time.Millisecond)

	require.NoError(t, h.svc.Connect(ctx, sid))
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first loop was not canceled")
	}

	h.fake.SetOptions(agenttest.DefaultOptions())
	snap := h.wait(t, sid, FlowConnect)
	assert.Equal(t, operations.PhaseDone, snap.Phase)
	assert.Equal(t, "conn-connection-2", h.get(t, sid).ConnectionID)
}

func TestMessage(t *testing.T) {
	assert.Empty(t, Message(nil))
	assert.Equal(t, "boom", Message(&Failure{Message: "boom", Err: errors.New("cause")}))
	assert.Equal(t, "No connection ID found. Please connect your wallet first.", Message(ErrNotConnected))
	assert.Equal(t, "Please verify your student access card first.", Message(ErrNoPersonhood))
	assert.Equal(t, "That module does not exist.", Message(catalog.ErrUnknownModule))
	assert.Equal(t, "Something went wrong. Please try again.", Message(errors.New("x")))
}

func TestLongPollKeepsItsClaim(t *testing.T) {
	opts := agenttest.DefaultOptions()
	opts.Connection = agenttest.Script{}
	h := newHarness(t, opts)
	h.svc.pollOpts.MaxAttempts = -1
	h.svc.pollOpts.Interval = 2 * time.Millisecond
	short := dedupe.New(40*time.Millisecond, 100)
	t.Cleanup(short.Close)
	h.svc.handles = short

	ctx := context.Background()
	sid := h.newSession(t, "s1", nil)
	require.NoError(t, h.svc.Connect(ctx, sid))

	require.Eventually(t, func() bool { return h.fake.Polls("connection-1") > 0 }, 5*time.Second, time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	assert.ErrorIs(t, short.Claim("connection-1"), dedupe.ErrHandleInFlight)
	require.NoError(t, h.svc.Reset(ctx, sid))
}
