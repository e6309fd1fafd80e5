// ABOUTME: Tests for the portal pages against the fake credential agent
// ABOUTME: Drives a cookie-carrying browser through connect, modules, onboarding, PHC, and disclosures

package web

import (
	"context"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/agent/agenttest"
	"github.com/2389/ssi-portal/internal/auth"
	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/dedupe"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/poller"
	"github.com/2389/ssi-portal/internal/store"
	"github.com/2389/ssi-portal/internal/workflow"
)

type browser struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
	fake   *agenttest.Agent
	store  *store.MockStore
	csrf   string
}

func newBrowser(t *testing.T, poll poller.Options) *browser {
	t.Helper()

	fake := agenttest.New(agenttest.DefaultOptions())
	agentSrv := httptest.NewServer(fake)
	t.Cleanup(agentSrv.Close)

	client, err := agent.New(agent.Config{BaseURL: agentSrv.URL})
	require.NoError(t, err)

	st := store.NewMockStore()
	tracker := operations.New(nil, nil)
	t.Cleanup(func() { _ = tracker.Close(context.Background()) })
	handles := dedupe.New(time.Minute, 100)
	t.Cleanup(handles.Close)

	svc := workflow.New(client, st, tracker, handles, catalog.MustDefault(), workflow.Options{
		Poll:  poll,
		Marks: func() int { return 93 },
	})

	keys, err := auth.DeriveKeys(strings.Repeat("k", 32))
	require.NoError(t, err)
	sessions := auth.NewSessions(st, auth.SessionConfig{Keys: keys})

	mux := http.NewServeMux()
	New(svc, sessions, Options{}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	opts := agenttest.DefaultOptions()
	opts.PortalURL = srv.URL
	fake.SetOptions(opts)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &browser{
		t:      t,
		srv:    srv,
		client: &http.Client{Jar: jar, Timeout: 5 * time.Second},
		fake:   fake,
		store:  st,
	}
}

func fastPoll() poller.Options {
	return poller.Options{Interval: time.Millisecond, MaxAttempts: 10}
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

func (b *browser) get(path string) (int, string) {
	b.t.Helper()
	resp, err := b.client.Get(b.srv.URL + path)
	require.NoError(b.t, err)
	return b.read(resp)
}

func (b *browser) post(path string, form url.Values) (int, string) {
	b.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	if b.csrf != "" {
		form.Set(auth.CSRFFormField, b.csrf)
	}
	resp, err := b.client.PostForm(b.srv.URL+path, form)
	require.NoError(b.t, err)
	return b.read(resp)
}

func (b *browser) read(resp *http.Response) (int, string) {
	b.t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	if m := csrfPattern.FindStringSubmatch(string(body)); m != nil {
		b.csrf = html.UnescapeString(m[1])
	}
	return resp.StatusCode, string(body)
}

// start loads the landing page to obtain a session and CSRF token.
func (b *browser) start() {
	b.t.Helper()
	code, _ := b.get("/")
	require.Equal(b.t, http.StatusOK, code)
	require.NotEmpty(b.t, b.csrf)
}

// waitFor reloads path until its body contains want.
func (b *browser) waitFor(path, want string) string {
	b.t.Helper()
	var last string
	require.Eventually(b.t, func() bool {
		_, last = b.get(path)
		return strings.Contains(last, want)
	}, 5*time.Second, 10*time.Millisecond, "waiting for %q on %s", want, path)
	return last
}

// submit posts a form that starts a flow and returns the first page that
// shows want. The flow may finish before the redirect lands.
func (b *browser) submit(path string, form url.Values, page, want string) string {
	b.t.Helper()
	_, body := b.post(path, form)
	if strings.Contains(body, want) {
		return body
	}
	return b.waitFor(page, want)
}

func (b *browser) session() *store.Session {
	b.t.Helper()
	u, err := url.Parse(b.srv.URL)
	require.NoError(b.t, err)
	for _, c := range b.client.Jar.Cookies(u) {
		if c.Name != auth.SessionCookieName {
			continue
		}
		keys, err := auth.DeriveKeys(strings.Repeat("k", 32))
		require.NoError(b.t, err)
		id, err := auth.NewJWTVerifier(keys.Signing).Verify(c.Value)
		require.NoError(b.t, err)
		sess, err := b.store.GetSession(context.Background(), id)
		require.NoError(b.t, err)
		return sess
	}
	b.t.Fatal("no session cookie")
	return nil
}

func TestLanding(t *testing.T) {
	b := newBrowser(t, fastPoll())
	code, body := b.get("/")

	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Self-Sovereign Identity Training")
	assert.Regexp(t, `href="/static/portal\.[0-9a-f]{10}\.css"`, body)
	assert.NotEmpty(t, b.csrf)
}

func TestStylesheetIsServed(t *testing.T) {
	b := newBrowser(t, fastPoll())
	_, body := b.get("/")
	m := regexp.MustCompile(`href="(/static/[^"]+)"`).FindStringSubmatch(body)
	require.NotNil(t, m)

	resp, err := b.client.Get(b.srv.URL + m[1])
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")
}

func TestPostWithoutCSRFIsRejected(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()
	b.csrf = ""

	code, _ := b.post("/portal/connect", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Empty(t, b.fake.Requests())
}

func TestPortalJourney(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	b.submit("/portal/connect", nil, "/portal", "Connected to Test Wallet")
	assert.Equal(t, "conn-connection-1", b.session().ConnectionID)

	_, body := b.get("/portal")
	assert.Contains(t, body, "Verify PHC")

	b.submit("/portal/verify", nil, "/portal", "The training modules are unlocked.")
	assert.True(t, b.session().HasPHC)

	_, body = b.post("/portal/modules/1/open", nil)
	assert.Contains(t, body, "Introduction to SSI V2")
	assert.Contains(t, body, "Issue Credential")

	body = b.submit("/portal/modules/1/complete", url.Values{"name": {"Ada"}}, "/portal/modules/1", "Module 1 complete.")
	assert.Contains(t, body, "You completed this module.")

	ids, err := b.store.ListCompletedModules(context.Background(), b.session().ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)

	// Module 2 needs module 1 proven first.
	body = b.submit("/portal/modules/2/open", nil, "/portal", "Module 1 completion verified.")
	assert.Contains(t, body, "Digital Identity Fundamentals V2")
	assert.Equal(t, 2, b.session().CurrentModule)
}

func TestModulePageRequiresOpening(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	_, body := b.get("/portal/modules/3")
	assert.Contains(t, body, "Training Portal")
	assert.Contains(t, body, "Please complete the previous step first.")

	_, body = b.get("/portal/modules/99")
	assert.Contains(t, body, "That module does not exist.")
}

func TestOpenModuleWithoutPHCFlashesError(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	_, body := b.post("/portal/modules/1/open", nil)
	assert.Contains(t, body, "Please verify your student access card first.")
}

func TestRunningFlowShowsQRAndRefreshes(t *testing.T) {
	b := newBrowser(t, poller.Options{Interval: time.Hour, MaxAttempts: 10})
	b.start()

	b.post("/portal/connect", nil)
	body := b.waitFor("/portal", "data:image/png;base64,")
	assert.Contains(t, body, `http-equiv="refresh"`)
	assert.Contains(t, body, `href="didcomm://invite?oob=`)
	assert.NotContains(t, body, `action="/portal/connect"`)
}

func TestFailedFlowFlashesOnce(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	opts := agenttest.DefaultOptions()
	opts.Connection = agenttest.Script{Pending: 1, Terminal: "abandoned"}
	b.fake.SetOptions(opts)

	b.submit("/portal/connect", nil, "/portal", "Connection was abandoned. Please try again.")

	_, body := b.get("/portal")
	assert.NotContains(t, body, "Connection was abandoned.")
	assert.Contains(t, body, `action="/portal/connect"`)
}

func TestOnboarding(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	_, body := b.get("/onboarding")
	assert.Contains(t, body, "Verify Personhood")

	body = b.submit("/onboarding/verify", nil, "/onboarding", "Personhood verified.")
	assert.Contains(t, body, "Issue Student Access Card")

	_, body = b.post("/onboarding/card", url.Values{"name": {"  "}})
	assert.Contains(t, body, "Please enter your name.")

	body = b.submit("/onboarding/card", url.Values{"name": {"Ada Lovelace"}}, "/onboarding", "Onboarding Complete!")
	assert.Equal(t, workflow.OnboardingComplete, b.session().OnboardingStep)
	assert.Contains(t, body, `href="/portal"`)
}

func TestPHCBankJourney(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	b.submit("/phc/connect", nil, "/phc", "Connected to Test Wallet")
	assert.Equal(t, store.PHCStepVerify, b.session().PHCStep)

	_, body := b.post("/phc/check", nil)
	assert.Contains(t, body, "Bank Verification")
	assert.Equal(t, store.PHCStepAuthenticate, b.session().PHCStep)

	_, body = b.post("/phc/bank", url.Values{"ifsc": {"SBIN0000001"}, "account": {"999"}})
	assert.Contains(t, body, "Bank account verification failed.")

	_, body = b.post("/phc/bank", url.Values{"ifsc": {"SBIN0000001"}, "account": {"1234567890"}})
	assert.Contains(t, body, "Ada Lovelace")
	assert.Equal(t, store.PHCStepIssue, b.session().PHCStep)

	b.submit("/phc/issue", nil, "/phc", "Your PHC has been issued and added to your wallet.")
	assert.Equal(t, store.PHCStepComplete, b.session().PHCStep)
	assert.Len(t, b.fake.PHCRecords(), 1)

	_, body = b.post("/phc/restart", nil)
	assert.Contains(t, body, "Connect your wallet to start the PHC process.")
}

func TestPHCGitHubRedirect(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	b.submit("/phc/connect", nil, "/phc", "Connected to Test Wallet")
	b.post("/phc/check", nil)

	// The agent bounces the browser back to /phc with the login result.
	_, body := b.post("/phc/github", nil)
	assert.Contains(t, body, "GitHub authentication successful.")
	sess := b.session()
	assert.Equal(t, store.PHCStepIssue, sess.PHCStep)
	assert.Equal(t, "Ada Lovelace", sess.PHCName)
}

func TestPHCGitHubDenied(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	b.submit("/phc/connect", nil, "/phc", "Connected to Test Wallet")
	b.post("/phc/check", nil)

	_, body := b.get("/phc?error=" + url.QueryEscape("access denied"))
	assert.Contains(t, body, "access denied")
	assert.Equal(t, store.PHCStepAuthenticate, b.session().PHCStep)
}

func TestPerformanceAndSkills(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	_, body := b.post("/performance", nil)
	assert.Contains(t, body, "No connection ID found.")

	b.submit("/portal/connect", nil, "/portal", "Connected to Test Wallet")

	body = b.submit("/performance", nil, "/performance", "Found marks for 2 modules.")
	assert.Contains(t, body, "Introduction to SSI V2")
	assert.Contains(t, body, "91 / 100")
	assert.Contains(t, body, "84 / 100")

	body = b.submit("/skills", nil, "/skills", "Blockchain and SSI V2")
	assert.Contains(t, body, "Earned on: March 1, 2024")
}

func TestReset(t *testing.T) {
	b := newBrowser(t, fastPoll())
	b.start()

	b.submit("/portal/connect", nil, "/portal", "Connected to Test Wallet")

	_, body := b.post("/reset", nil)
	assert.Contains(t, body, "Your progress has been reset.")
	assert.Empty(t, b.session().ConnectionID)
}
