// ABOUTME: Browser-facing HTTP handlers for the training portal
// ABOUTME: Form posts start flows and redirect; pages show running flows and flash finished ones

package web

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/ssi-portal/internal/assets"
	"github.com/2389/ssi-portal/internal/auth"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/workflow"
)

// DefaultRefresh is how often a page with a running flow reloads itself.
const DefaultRefresh = 2 * time.Second

const historyLimit = 10

// Options configures a Handler.
type Options struct {
	Refresh time.Duration
	Logger  *slog.Logger
}

// Handler serves the portal pages.
type Handler struct {
	svc       *workflow.Service
	sessions  *auth.Sessions
	templates map[string]*template.Template
	refresh   int
	logger    *slog.Logger
}

// New creates the page handler.
func New(svc *workflow.Service, sessions *auth.Sessions, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	secs := int(refresh.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Handler{
		svc:       svc,
		sessions:  sessions,
		templates: parseTemplates(),
		refresh:   secs,
		logger:    logger.With("component", "web"),
	}
}

// RegisterRoutes registers all portal routes on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /static/", http.StripPrefix("/static", assets.FileServer()))

	mux.Handle("GET /{$}", h.withSession(h.handleLanding))
	mux.Handle("POST /reset", h.withSession(h.handleReset))

	// Training portal
	mux.Handle("GET /portal", h.withSession(h.handlePortal))
	mux.Handle("POST /portal/connect", h.withSession(h.handleConnect))
	mux.Handle("POST /portal/verify", h.withSession(h.handleVerify))
	mux.Handle("POST /portal/modules/{id}/open", h.withSession(h.handleOpenModule))
	mux.Handle("GET /portal/modules/{id}", h.withSession(h.handleModule))
	mux.Handle("POST /portal/modules/{id}/complete", h.withSession(h.handleCompleteModule))

	// Onboarding
	mux.Handle("GET /onboarding", h.withSession(h.handleOnboarding))
	mux.Handle("POST /onboarding/verify", h.withSession(h.handleOnboardingVerify))
	mux.Handle("POST /onboarding/card", h.withSession(h.handleOnboardingCard))

	// Personhood credential wizard
	mux.Handle("GET /phc", h.withSession(h.handlePHC))
	mux.Handle("POST /phc/connect", h.withSession(h.handlePHCConnect))
	mux.Handle("POST /phc/check", h.withSession(h.handlePHCCheck))
	mux.Handle("POST /phc/github", h.withSession(h.handlePHCGitHub))
	mux.Handle("POST /phc/bank", h.withSession(h.handlePHCBank))
	mux.Handle("POST /phc/issue", h.withSession(h.handlePHCIssue))
	mux.Handle("POST /phc/restart", h.withSession(h.handlePHCRestart))

	// Disclosures
	mux.Handle("GET /performance", h.withSession(h.handlePerformance))
	mux.Handle("POST /performance", h.withSession(h.handleCheckPerformance))
	mux.Handle("GET /skills", h.withSession(h.handleSkills))
	mux.Handle("POST /skills", h.withSession(h.handleCheckSkills))
}

func (h *Handler) withSession(fn http.HandlerFunc) http.Handler {
	return h.sessions.Middleware(fn)
}

// flows collects the state of a page's flows. Finished flows become
// flashes and are dismissed so each outcome shows once.
type flows struct {
	views   map[string]*operationView
	results map[string]any
	flashes []Flash
	refresh bool
}

func (h *Handler) collect(sessionID string, names ...string) *flows {
	f := &flows{views: make(map[string]*operationView), results: make(map[string]any)}
	for _, name := range names {
		snap, ok := h.svc.View(sessionID, name)
		if !ok {
			continue
		}
		switch snap.Phase {
		case operations.PhaseDone:
			if snap.Message != "" {
				f.flashes = append(f.flashes, Flash{Kind: flashSuccess, Message: snap.Message})
			}
			f.results[name] = snap.Result
			h.svc.Dismiss(sessionID, name)
		case operations.PhaseFailed:
			f.flashes = append(f.flashes, Flash{Kind: flashError, Message: snap.Error})
			h.svc.Dismiss(sessionID, name)
		default:
			f.views[name] = viewOf(snap)
			f.refresh = true
		}
	}
	return f
}

// page builds the shared page data. The session is re-read after collecting
// flows so that state written by a job that just finished is visible.
func (h *Handler) page(w http.ResponseWriter, r *http.Request, title, nav string, f *flows) (pageData, bool) {
	sc := auth.MustFromContext(r.Context())
	sess, err := h.svc.Session(r.Context(), sc.Session.ID)
	if err != nil {
		h.logger.Error("failed to load session", "session_id", sc.Session.ID, "error", err)
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return pageData{}, false
	}
	pd := pageData{
		Title:          title,
		Nav:            nav,
		CSRFToken:      sc.CSRFToken,
		Session:        sess,
		Flashes:        takeFlashes(w, r),
		RefreshSeconds: h.refresh,
	}
	if f != nil {
		pd.Flashes = append(pd.Flashes, f.flashes...)
		pd.Refresh = f.refresh
	}
	return pd, true
}

func sessionID(r *http.Request) string {
	return auth.MustFromContext(r.Context()).Session.ID
}

// redirect sends the browser to target with optional flashes.
func redirect(w http.ResponseWriter, r *http.Request, target string, flashes ...Flash) {
	setFlashes(w, flashes)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// fail flashes err's user-facing message and redirects to target.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, target string, err error) {
	var failure *workflow.Failure
	if !errors.As(err, &failure) {
		h.logger.Warn("request failed", "path", r.URL.Path, "error", err)
	}
	redirect(w, r, target, Flash{Kind: flashError, Message: workflow.Message(err)})
}

// act runs a form action and redirects back to target.
func (h *Handler) act(w http.ResponseWriter, r *http.Request, target string, fn func(ctx context.Context, sessionID string) error) {
	if err := fn(r.Context(), sessionID(r)); err != nil {
		h.fail(w, r, target, err)
		return
	}
	redirect(w, r, target)
}

func (h *Handler) handleLanding(w http.ResponseWriter, r *http.Request) {
	pd, ok := h.page(w, r, "Welcome", "home", nil)
	if !ok {
		return
	}
	h.render(w, "landing", landingData{pageData: pd})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context(), sessionID(r)); err != nil {
		h.fail(w, r, "/", err)
		return
	}
	redirect(w, r, "/", Flash{Kind: flashSuccess, Message: "Your progress has been reset."})
}

func (h *Handler) handlePortal(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	f := h.collect(sid, workflow.FlowConnect, workflow.FlowVerifyPersonhood, workflow.FlowOpenModule)

	// A verified previous module opens the next one straight away.
	if id, ok := f.results[workflow.FlowOpenModule].(int); ok {
		redirect(w, r, "/portal/modules/"+strconv.Itoa(id), append(takeFlashes(w, r), f.flashes...)...)
		return
	}

	pd, ok := h.page(w, r, "Training Portal", "portal", f)
	if !ok {
		return
	}
	completed, err := h.svc.CompletedModules(r.Context(), sid)
	if err != nil {
		h.logger.Error("failed to list completed modules", "session_id", sid, "error", err)
	}
	done := make(map[int]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}

	data := portalData{
		pageData: pd,
		Connect:  f.views[workflow.FlowConnect],
		Verify:   f.views[workflow.FlowVerifyPersonhood],
		Open:     f.views[workflow.FlowOpenModule],
	}
	for _, m := range h.svc.Catalog().All() {
		data.Modules = append(data.Modules, moduleItem{
			ID:        m.ID,
			Title:     m.Title,
			Summary:   m.Summary,
			Completed: done[m.ID],
			Current:   pd.Session.CurrentModule == m.ID,
		})
	}
	if history, err := h.svc.History(r.Context(), sid, historyLimit); err == nil {
		data.History = history
	}
	h.render(w, "portal", data)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/portal", h.svc.Connect)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/portal", h.svc.VerifyPersonhood)
}

func moduleID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		return 0, workflow.ErrUnknownModule
	}
	return id, nil
}

func (h *Handler) handleOpenModule(w http.ResponseWriter, r *http.Request) {
	id, err := moduleID(r)
	if err != nil {
		h.fail(w, r, "/portal", err)
		return
	}
	pending, err := h.svc.OpenModule(r.Context(), sessionID(r), id)
	if err != nil {
		h.fail(w, r, "/portal", err)
		return
	}
	if pending {
		redirect(w, r, "/portal")
		return
	}
	redirect(w, r, "/portal/modules/"+strconv.Itoa(id))
}

func (h *Handler) handleModule(w http.ResponseWriter, r *http.Request) {
	id, err := moduleID(r)
	if err != nil {
		h.fail(w, r, "/portal", err)
		return
	}
	mod, err := h.svc.Catalog().Get(id)
	if err != nil {
		h.fail(w, r, "/portal", err)
		return
	}

	sid := sessionID(r)
	f := h.collect(sid, workflow.FlowCompleteModule)
	pd, ok := h.page(w, r, mod.Title, "portal", f)
	if !ok {
		return
	}

	completed, err := h.svc.CompletedModules(r.Context(), sid)
	if err != nil {
		h.logger.Error("failed to list completed modules", "session_id", sid, "error", err)
	}
	isCompleted := false
	for _, c := range completed {
		if c == id {
			isCompleted = true
		}
	}
	if !isCompleted && pd.Session.CurrentModule != id {
		redirect(w, r, "/portal", append(pd.Flashes, Flash{Kind: flashError, Message: workflow.Message(workflow.ErrOutOfOrder)})...)
		return
	}

	h.render(w, "module", moduleData{
		pageData:  pd,
		Module:    mod,
		Completed: isCompleted,
		Complete:  f.views[workflow.FlowCompleteModule],
	})
}

func (h *Handler) handleCompleteModule(w http.ResponseWriter, r *http.Request) {
	id, err := moduleID(r)
	if err != nil {
		h.fail(w, r, "/portal", err)
		return
	}
	back := "/portal/modules/" + strconv.Itoa(id)
	name := r.FormValue("name")
	h.act(w, r, back, func(ctx context.Context, sid string) error {
		return h.svc.CompleteModule(ctx, sid, id, name)
	})
}

func (h *Handler) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	f := h.collect(sessionID(r), workflow.FlowOnboardingVerify, workflow.FlowOnboardingCard)
	pd, ok := h.page(w, r, "Onboarding", "onboarding", f)
	if !ok {
		return
	}
	h.render(w, "onboarding", onboardingData{
		pageData: pd,
		Steps:    steps(onboardingSteps, pd.Session.OnboardingStep),
		Verify:   f.views[workflow.FlowOnboardingVerify],
		Card:     f.views[workflow.FlowOnboardingCard],
	})
}

func (h *Handler) handleOnboardingVerify(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/onboarding", h.svc.VerifyOnboarding)
}

func (h *Handler) handleOnboardingCard(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	h.act(w, r, "/onboarding", func(ctx context.Context, sid string) error {
		return h.svc.IssueStudentCard(ctx, sid, name)
	})
}

func (h *Handler) handlePHC(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("authResult") || q.Has("error") {
		h.completeGitHub(w, r, q.Get("authResult"), q.Get("error"))
		return
	}

	f := h.collect(sessionID(r), workflow.FlowPHCConnect, workflow.FlowPHCIssue)
	pd, ok := h.page(w, r, "Personhood Credential", "phc", f)
	if !ok {
		return
	}
	h.render(w, "phc", phcData{
		pageData: pd,
		Steps:    steps(phcSteps, phcStepIndex(pd.Session.PHCStep)),
		Connect:  f.views[workflow.FlowPHCConnect],
		Issue:    f.views[workflow.FlowPHCIssue],
	})
}

// completeGitHub handles the agent's redirect back from GitHub, then
// redirects to a clean /phc so a reload does not replay the result.
func (h *Handler) completeGitHub(w http.ResponseWriter, r *http.Request, authResult, errMsg string) {
	if err := h.svc.CompleteGitHubAuth(r.Context(), sessionID(r), authResult, errMsg); err != nil {
		h.fail(w, r, "/phc", err)
		return
	}
	redirect(w, r, "/phc", Flash{Kind: flashSuccess, Message: "GitHub authentication successful."})
}

func (h *Handler) handlePHCConnect(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/phc", h.svc.ConnectPHC)
}

func (h *Handler) handlePHCCheck(w http.ResponseWriter, r *http.Request) {
	needNew, err := h.svc.CheckExistingPHC(r.Context(), sessionID(r))
	if err != nil {
		h.fail(w, r, "/phc", err)
		return
	}
	if needNew {
		redirect(w, r, "/phc", Flash{Kind: flashSuccess, Message: "No valid PHC found. Please authenticate to get a new one."})
		return
	}
	redirect(w, r, "/phc", Flash{Kind: flashSuccess, Message: "You already hold a valid PHC."})
}

func (h *Handler) handlePHCGitHub(w http.ResponseWriter, r *http.Request) {
	target, err := h.svc.GitHubLoginURL(r.Context(), sessionID(r))
	if err != nil {
		h.fail(w, r, "/phc", err)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) handlePHCBank(w http.ResponseWriter, r *http.Request) {
	ifsc := strings.TrimSpace(r.FormValue("ifsc"))
	account := strings.TrimSpace(r.FormValue("account"))
	h.act(w, r, "/phc", func(ctx context.Context, sid string) error {
		return h.svc.VerifyBank(ctx, sid, ifsc, account)
	})
}

func (h *Handler) handlePHCIssue(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/phc", h.svc.IssuePHC)
}

func (h *Handler) handlePHCRestart(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/phc", h.svc.RestartPHC)
}

func (h *Handler) handlePerformance(w http.ResponseWriter, r *http.Request) {
	f := h.collect(sessionID(r), workflow.FlowPerformance)
	pd, ok := h.page(w, r, "Performance", "performance", f)
	if !ok {
		return
	}
	marks, _ := f.results[workflow.FlowPerformance].([]workflow.ModuleMarks)
	h.render(w, "performance", performanceData{
		pageData: pd,
		Marks:    marks,
		Check:    f.views[workflow.FlowPerformance],
	})
}

func (h *Handler) handleCheckPerformance(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/performance", h.svc.CheckPerformance)
}

func (h *Handler) handleSkills(w http.ResponseWriter, r *http.Request) {
	f := h.collect(sessionID(r), workflow.FlowSkills)
	pd, ok := h.page(w, r, "Skills", "skills", f)
	if !ok {
		return
	}
	badges, _ := f.results[workflow.FlowSkills].([]workflow.SkillBadge)
	h.render(w, "skills", skillsData{
		pageData: pd,
		Badges:   badges,
		Check:    f.views[workflow.FlowSkills],
	})
}

func (h *Handler) handleCheckSkills(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "/skills", h.svc.CheckSkills)
}
