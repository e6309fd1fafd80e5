// ABOUTME: Scriptable in-memory credential agent speaking the agent's REST contract
// ABOUTME: Used by tests over httptest and by cmd/fake-agent for local runs

// Package agenttest provides a fake credential agent. Every handle it hands
// out reports a configurable number of in-progress states before settling.
package agenttest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Script describes how the handles of one kind progress.
type Script struct {
	// Pending is how many polls report an in-progress state first.
	Pending int
	// Terminal is the state reported afterwards. Empty never settles.
	Terminal string
	// ErrorMessage is reported alongside an abandoned state.
	ErrorMessage string
}

// Skill is a course badge disclosed by the skills proof.
type Skill struct {
	CourseName string
	Timestamp  time.Time
}

// GitHubUser is returned by the fake GitHub login.
type GitHubUser struct {
	Name  string
	Login string
}

// Options configures an Agent.
type Options struct {
	Connection Script
	Proof      Script
	Credential Script

	// Unverified makes completed proofs report verified=false.
	Unverified bool

	TheirLabel        string
	ShouldIssueNewPHC bool

	// Marks maps revealed attribute names such as "module1_marks" to raw values.
	Marks map[string]string
	// Skills are disclosed as revealed attribute groups skill_0, skill_1, ...
	Skills []Skill
	// Bank maps "IFSC/account" to the name at the bank.
	Bank map[string]string

	// PortalURL receives the GitHub login redirect.
	PortalURL  string
	GitHubUser *GitHubUser
}

// DefaultOptions settles everything successfully after two pending polls.
func DefaultOptions() Options {
	return Options{
		Connection:        Script{Pending: 2, Terminal: "completed"},
		Proof:             Script{Pending: 2, Terminal: "done"},
		Credential:        Script{Pending: 2, Terminal: "done"},
		TheirLabel:        "Test Wallet",
		ShouldIssueNewPHC: true,
		Marks: map[string]string{
			"module1_marks": "91",
			"module2_marks": "84",
		},
		Skills: []Skill{
			{CourseName: "Blockchain and SSI V2", Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		},
		Bank:       map[string]string{"SBIN0000001/1234567890": "Ada Lovelace"},
		GitHubUser: &GitHubUser{Name: "Ada Lovelace", Login: "ada"},
	}
}

// Request is a request the agent received.
type Request struct {
	Method string
	Path   string
	Body   map[string]any
}

type handle struct {
	kind  string
	polls int
}

// Agent is an http.Handler implementing the credential agent's API.
type Agent struct {
	mu          sync.Mutex
	opts        Options
	handles     map[string]*handle
	next        int
	requests    []Request
	records     []map[string]any
	unavailable bool
	mux         *http.ServeMux
}

// New creates an agent.
func New(opts Options) *Agent {
	a := &Agent{
		opts:    opts,
		handles: make(map[string]*handle),
		mux:     http.NewServeMux(),
	}

	a.mux.HandleFunc("POST /agent/create-invitation", a.createInvitation)
	a.mux.HandleFunc("GET /agent/connection-state/id/{id}", a.connectionState)
	a.mux.HandleFunc("POST /verification/verify-phc", a.proof)
	a.mux.HandleFunc("POST /verification/verify-phc/connectionId/{cid}", a.proof)
	a.mux.HandleFunc("POST /verification/verify/{title}", a.proof)
	a.mux.HandleFunc("POST /verification/check-performance/connectionId/{cid}", a.proof)
	a.mux.HandleFunc("GET /verification/skills/connectionId/{cid}", a.proof)
	a.mux.HandleFunc("GET /verification/verification-state/id/{id}", a.verificationState)
	a.mux.HandleFunc("GET /verification/requested-data/id/{id}", a.requestedData)
	a.mux.HandleFunc("POST /verification/bank-verification/ifsc/{ifsc}/accountNumber/{acct}", a.bank)
	a.mux.HandleFunc("POST /issuance/issue-student-access-card/name/{name}", a.credential)
	a.mux.HandleFunc("POST /issuance/issue/{title}", a.credential)
	a.mux.HandleFunc("POST /issuance/issue-phc/name/{name}/expiry/{expiry}/verificationMethod/{method}/connectionId/{cid}", a.credential)
	a.mux.HandleFunc("GET /issuance/credential-state/id/{id}", a.credentialState)
	a.mux.HandleFunc("POST /phc/check-and-issue/theirLabel/{label}", a.checkPHC)
	a.mux.HandleFunc("POST /phc", a.recordPHC)
	a.mux.HandleFunc("GET /auth/github/login", a.githubLogin)
	a.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return a
}

// SetOptions replaces the options for handles created from now on.
func (a *Agent) SetOptions(opts Options) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts = opts
}

// SetUnavailable makes every request fail with 503.
func (a *Agent) SetUnavailable(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unavailable = down
}

// Requests returns every request received so far.
func (a *Agent) Requests() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.requests...)
}

// Polls returns how many times handle's state was read.
func (a *Agent) Polls(h string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.handles[h]; ok {
		return st.polls
	}
	return 0
}

// PHCRecords returns the bodies posted to /phc.
func (a *Agent) PHCRecords() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]any(nil), a.records...)
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := Request{Method: r.Method, Path: r.URL.Path}
	raw, _ := io.ReadAll(r.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &req.Body)
	}

	a.mu.Lock()
	a.requests = append(a.requests, req)
	down := a.unavailable
	a.mu.Unlock()

	if down {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	a.mux.ServeHTTP(w, r)
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (a *Agent) newHandle(kind string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := fmt.Sprintf("%s-%d", kind, a.next)
	a.handles[id] = &handle{kind: kind}
	return id
}

// advance counts a poll of id and returns the state it reports.
func (a *Agent) advance(id, kind string) (state string, sc Script, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[id]
	if !ok || h.kind != kind {
		return "", Script{}, false
	}
	switch kind {
	case "connection":
		sc = a.opts.Connection
	case "proof":
		sc = a.opts.Proof
	default:
		sc = a.opts.Credential
	}
	h.polls++
	if sc.Terminal == "" || h.polls <= sc.Pending {
		return pendingState(kind), sc, true
	}
	return sc.Terminal, sc, true
}

func pendingState(kind string) string {
	switch kind {
	case "connection":
		return "response-sent"
	case "proof":
		return "request-sent"
	default:
		return "offer-sent"
	}
}

func (a *Agent) createInvitation(w http.ResponseWriter, r *http.Request) {
	id := a.newHandle("connection")
	writeData(w, map[string]string{
		"invitationUrl": "didcomm://invite?oob=" + id,
		"outOfBandId":   id,
	})
}

func (a *Agent) connectionState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, _, ok := a.advance(id, "connection")
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	data := map[string]string{"state": state}
	if state == "completed" {
		a.mu.Lock()
		data["connectionId"] = "conn-" + id
		data["theirLabel"] = a.opts.TheirLabel
		a.mu.Unlock()
	}
	writeData(w, data)
}

func (a *Agent) proof(w http.ResponseWriter, r *http.Request) {
	id := a.newHandle("proof")
	data := map[string]any{"proofRecord": map[string]string{"id": id, "state": "request-sent"}}
	if r.URL.Path == "/verification/verify-phc" {
		data["proofUrl"] = "didcomm://proof?id=" + id
	}
	writeData(w, data)
}

func (a *Agent) verificationState(w http.ResponseWriter, r *http.Request) {
	state, sc, ok := a.advance(r.PathValue("id"), "proof")
	if !ok {
		http.Error(w, "unknown proof", http.StatusNotFound)
		return
	}
	a.mu.Lock()
	verified := state == "done" && !a.opts.Unverified
	a.mu.Unlock()
	data := map[string]any{"state": state, "verified": verified}
	if state == "abandoned" && sc.ErrorMessage != "" {
		data["errorMessage"] = sc.ErrorMessage
	}
	writeData(w, data)
}

func (a *Agent) requestedData(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	_, ok := a.handles[r.PathValue("id")]
	marks := a.opts.Marks
	skills := a.opts.Skills
	a.mu.Unlock()
	if !ok {
		http.Error(w, "unknown proof", http.StatusNotFound)
		return
	}

	attrs := make(map[string]any, len(marks))
	names := make([]string, 0, len(marks))
	for name := range marks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attrs[name] = map[string]string{"raw": marks[name], "encoded": marks[name]}
	}

	groups := make(map[string]any, len(skills))
	for i, s := range skills {
		groups[fmt.Sprintf("skill_%d", i)] = map[string]any{"values": map[string]any{
			"Course Name": map[string]string{"raw": s.CourseName},
			"Timestamp":   map[string]string{"raw": strconv.FormatInt(s.Timestamp.Unix(), 10)},
		}}
	}

	writeData(w, map[string]any{"requestedProof": map[string]any{
		"revealed_attrs":       attrs,
		"revealed_attr_groups": groups,
	}})
}

func (a *Agent) bank(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	name, ok := a.opts.Bank[r.PathValue("ifsc")+"/"+r.PathValue("acct")]
	a.mu.Unlock()
	writeData(w, map[string]any{"accountExists": ok, "nameAtBank": name})
}

func (a *Agent) credential(w http.ResponseWriter, r *http.Request) {
	id := a.newHandle("credential")
	writeData(w, map[string]any{
		"credentialRecord": map[string]string{"id": id, "state": "offer-sent"},
		"credentialUrl":    "didcomm://credential?id=" + id,
	})
}

func (a *Agent) credentialState(w http.ResponseWriter, r *http.Request) {
	state, sc, ok := a.advance(r.PathValue("id"), "credential")
	if !ok {
		http.Error(w, "unknown credential", http.StatusNotFound)
		return
	}
	data := map[string]string{"state": state}
	if state == "abandoned" && sc.ErrorMessage != "" {
		data["errorMessage"] = sc.ErrorMessage
	}
	writeData(w, data)
}

func (a *Agent) checkPHC(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	should := a.opts.ShouldIssueNewPHC
	a.mu.Unlock()
	writeData(w, map[string]bool{"shouldIssueNewPHC": should})
}

func (a *Agent) recordPHC(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.records = append(a.records, body)
	a.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (a *Agent) githubLogin(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	portal, user := a.opts.PortalURL, a.opts.GitHubUser
	a.mu.Unlock()
	if portal == "" {
		http.Error(w, "no portal configured", http.StatusNotFound)
		return
	}

	target := portal + "/phc?"
	if user == nil {
		target += url.Values{"error": {"GitHub login was denied"}}.Encode()
	} else {
		res, _ := json.Marshal(map[string]any{
			"success": true,
			"user":    map[string]string{"name": user.Name, "login": user.Login},
		})
		target += url.Values{"authResult": {string(res)}}.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}
