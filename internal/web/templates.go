// ABOUTME: Template data types and rendering for the portal pages
// ABOUTME: Parses each page with the shared base layout and helpers for assets, QR codes, and dates

package web

import (
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/2389/ssi-portal/internal/assets"
	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/store"
	"github.com/2389/ssi-portal/internal/workflow"
)

const qrSize = 256

var pages = []string{"landing", "portal", "module", "onboarding", "phc", "performance", "skills"}

var funcs = template.FuncMap{
	"asset": assets.URL,
	"qr":    qrDataURL,
	"date":  func(t time.Time) string { return t.Format("January 2, 2006") },
}

// qrDataURL renders payload as an inline PNG.
func qrDataURL(payload string) (template.URL, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encoding QR code: %w", err)
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)), nil
}

func parseTemplates() map[string]*template.Template {
	out := make(map[string]*template.Template, len(pages))
	for _, p := range pages {
		out[p] = template.Must(template.New(p).Funcs(funcs).ParseFS(templateFS,
			"templates/base.html", "templates/"+p+".html"))
	}
	return out
}

// Template data types
type pageData struct {
	Title          string
	Nav            string
	CSRFToken      string
	Session        *store.Session
	Flashes        []Flash
	Refresh        bool
	RefreshSeconds int
}

// operationView is a running flow as the page shows it.
type operationView struct {
	Running bool
	Message string
	QR      string
	Link    template.URL // wallet links use schemes html/template would reject
}

type stepItem struct {
	Number      int
	Title       string
	Description string
	State       string // done, current, or empty
}

type moduleItem struct {
	ID        int
	Title     string
	Summary   string
	Completed bool
	Current   bool
}

type landingData struct {
	pageData
}

type portalData struct {
	pageData
	Connect *operationView
	Verify  *operationView
	Open    *operationView
	Modules []moduleItem
	History []*store.Operation
}

type moduleData struct {
	pageData
	Module    catalog.Module
	Completed bool
	Complete  *operationView
}

type onboardingData struct {
	pageData
	Steps  []stepItem
	Verify *operationView
	Card   *operationView
}

type phcData struct {
	pageData
	Steps   []stepItem
	Connect *operationView
	Issue   *operationView
}

type performanceData struct {
	pageData
	Marks []workflow.ModuleMarks
	Check *operationView
}

type skillsData struct {
	pageData
	Badges []workflow.SkillBadge
	Check  *operationView
}

// render executes a page template with the base layout.
func (h *Handler) render(w http.ResponseWriter, page string, data any) {
	tmpl, ok := h.templates[page]
	if !ok {
		h.logger.Error("unknown page template", "page", page)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		h.logger.Error("failed to render page", "page", page, "error", err)
	}
}

// viewOf converts a running snapshot for display.
func viewOf(snap operations.Snapshot) *operationView {
	return &operationView{
		Running: true,
		Message: snap.Message,
		QR:      snap.QR,
		Link:    template.URL(snap.Link),
	}
}

func steps(titles [][2]string, current int) []stepItem {
	out := make([]stepItem, len(titles))
	for i, t := range titles {
		state := ""
		switch {
		case i < current:
			state = "done"
		case i == current:
			state = "current"
		}
		out[i] = stepItem{Number: i + 1, Title: t[0], Description: t[1], State: state}
	}
	return out
}

var onboardingSteps = [][2]string{
	{"Verify Personhood", "Share your Personhood Credential from your wallet."},
	{"Student Access Card", "Receive the card that admits you to the course."},
	{"Start Learning", "Browse the training modules."},
}

var phcSteps = [][2]string{
	{"Connect Wallet", "Link your digital wallet to the portal."},
	{"Check Existing PHC", "See whether you already hold a valid credential."},
	{"Authenticate", "Prove who you are with GitHub or your bank."},
	{"Issue PHC", "Receive the credential in your wallet."},
}

// phcStepIndex orders the wizard steps; complete is past the last one.
func phcStepIndex(step string) int {
	switch step {
	case store.PHCStepVerify:
		return 1
	case store.PHCStepAuthenticate:
		return 2
	case store.PHCStepIssue:
		return 3
	case store.PHCStepComplete:
		return 4
	default:
		return 0
	}
}
