// ABOUTME: HTTP client for the remote credential agent's REST API
// ABOUTME: One method per endpoint; every response is unwrapped from the {"data": ...} envelope

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single request when the caller configures none.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// ErrTransport marks failures where no HTTP response was received.
var ErrTransport = errors.New("agent unreachable")

// Error describes a failed agent call.
type Error struct {
	Op         string // e.g. "create invitation"
	StatusCode int    // 0 when no response was received
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		msg := fmt.Sprintf("agent %s: status %d", e.Op, e.StatusCode)
		if body := strings.TrimSpace(e.Body); body != "" {
			msg += ": " + body
		}
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
	return fmt.Sprintf("agent %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CallObserver is told about every request the client makes.
type CallObserver interface {
	ObserveAgentCall(op string, err error, d time.Duration)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Observer   CallObserver
}

// Client talks to the credential agent.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	logger   *slog.Logger
	observer CallObserver
}

// New creates a client for the agent at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("agent base URL is required")
	}
	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing agent base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("agent base URL must use http or https, got %q", u.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:  u,
		http:     hc,
		logger:   logger.With("component", "agent-client"),
		observer: cfg.Observer,
	}, nil
}

// BaseURL returns the agent's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// GitHubLoginURL is where the browser is sent to authenticate with GitHub.
// The agent redirects back to the portal's /phc page with the result.
func (c *Client) GitHubLoginURL() string {
	return c.baseURL.String() + "/auth/github/login"
}

// path joins escaped segments onto the base URL.
func (c *Client) path(segments ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL.String())
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// do issues a request and decodes the envelope's data into out (may be nil).
func (c *Client) do(ctx context.Context, op, method, target string, body, out any) (err error) {
	if c.observer != nil {
		start := time.Now()
		defer func() { c.observer.ObserveAgentCall(op, err, time.Since(start)) }()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("agent returned error", "op", op, "status", resp.StatusCode)
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func get[T any](ctx context.Context, c *Client, op, target string) (*T, error) {
	var env envelope[T]
	if err := c.do(ctx, op, http.MethodGet, target, nil, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

func post[T any](ctx context.Context, c *Client, op, target string, body any) (*T, error) {
	var env envelope[T]
	if err := c.do(ctx, op, http.MethodPost, target, body, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// CreateInvitation starts an out-of-band connection with a wallet.
func (c *Client) CreateInvitation(ctx context.Context) (*Invitation, error) {
	inv, err := post[Invitation](ctx, c, "create invitation", c.path("agent", "create-invitation"), nil)
	if err != nil {
		return nil, err
	}
	if inv.OutOfBandID == "" {
		return nil, &Error{Op: "create invitation", Err: errors.New("response has no outOfBandId")}
	}
	return inv, nil
}

// ConnectionState reads the state of the connection created from an invitation.
func (c *Client) ConnectionState(ctx context.Context, outOfBandID string) (*ConnectionState, error) {
	return get[ConnectionState](ctx, c, "connection state", c.path("agent", "connection-state", "id", outOfBandID))
}

// RequestPersonhoodProof creates a connectionless personhood proof request.
// The returned ProofURL is rendered to the holder as a QR code.
func (c *Client) RequestPersonhoodProof(ctx context.Context) (*ProofRequest, error) {
	return c.proofRequest(ctx, "verify personhood", http.MethodPost, c.path("verification", "verify-phc"), nil)
}

// RequestPersonhoodProofFor sends a personhood proof request over an existing connection.
func (c *Client) RequestPersonhoodProofFor(ctx context.Context, connectionID string) (*ProofRequest, error) {
	return c.proofRequest(ctx, "verify personhood", http.MethodPost,
		c.path("verification", "verify-phc", "connectionId", connectionID), nil)
}

// RequestModuleProof asks the holder to prove completion of the named module.
func (c *Client) RequestModuleProof(ctx context.Context, moduleTitle, connectionID string) (*ProofRequest, error) {
	body := map[string]string{"connectionId": connectionID}
	return c.proofRequest(ctx, "verify module", http.MethodPost, c.path("verification", "verify", moduleTitle), body)
}

// RequestPerformanceProof asks the holder to disclose module marks.
func (c *Client) RequestPerformanceProof(ctx context.Context, connectionID string) (*ProofRequest, error) {
	return c.proofRequest(ctx, "check performance", http.MethodPost,
		c.path("verification", "check-performance", "connectionId", connectionID), nil)
}

// RequestSkillsProof asks the holder to disclose course completion badges.
func (c *Client) RequestSkillsProof(ctx context.Context, connectionID string) (*ProofRequest, error) {
	return c.proofRequest(ctx, "check skills", http.MethodGet,
		c.path("verification", "skills", "connectionId", connectionID), nil)
}

func (c *Client) proofRequest(ctx context.Context, op, method, target string, body any) (*ProofRequest, error) {
	var env envelope[ProofRequest]
	if err := c.do(ctx, op, method, target, body, &env); err != nil {
		return nil, err
	}
	if env.Data.ProofRecord.ID == "" {
		return nil, &Error{Op: op, Err: errors.New("response has no proof record id")}
	}
	return &env.Data, nil
}

// VerificationState reads the state of a proof exchange.
func (c *Client) VerificationState(ctx context.Context, proofID string) (*ProofState, error) {
	return get[ProofState](ctx, c, "verification state", c.path("verification", "verification-state", "id", proofID))
}

// RequestedData reads what the holder disclosed in a completed proof exchange.
func (c *Client) RequestedData(ctx context.Context, proofID string) (*RequestedProof, error) {
	d, err := get[requestedData](ctx, c, "requested data", c.path("verification", "requested-data", "id", proofID))
	if err != nil {
		return nil, err
	}
	return &d.RequestedProof, nil
}

// VerifyBankAccount looks up the account holder's name at the bank.
func (c *Client) VerifyBankAccount(ctx context.Context, ifsc, accountNumber string) (*BankVerification, error) {
	return post[BankVerification](ctx, c, "bank verification",
		c.path("verification", "bank-verification", "ifsc", ifsc, "accountNumber", accountNumber), nil)
}

// IssueStudentAccessCard offers a student access card to the named holder.
func (c *Client) IssueStudentAccessCard(ctx context.Context, name string) (*CredentialOffer, error) {
	return c.credentialOffer(ctx, "issue student access card",
		c.path("issuance", "issue-student-access-card", "name", name), nil)
}

// IssueModuleCredential offers a module completion credential over a connection.
func (c *Client) IssueModuleCredential(ctx context.Context, moduleTitle string, req ModuleCredentialRequest) (*CredentialOffer, error) {
	return c.credentialOffer(ctx, "issue module credential", c.path("issuance", "issue", moduleTitle), req)
}

// IssuePersonhoodCredential offers a personhood credential over a connection.
func (c *Client) IssuePersonhoodCredential(ctx context.Context, req PHCIssueRequest) (*CredentialOffer, error) {
	return c.credentialOffer(ctx, "issue personhood credential", c.path(
		"issuance", "issue-phc",
		"name", req.Name,
		"expiry", strconv.FormatInt(req.Expiry, 10),
		"verificationMethod", req.VerificationMethod,
		"connectionId", req.ConnectionID,
	), nil)
}

func (c *Client) credentialOffer(ctx context.Context, op, target string, body any) (*CredentialOffer, error) {
	offer, err := post[CredentialOffer](ctx, c, op, target, body)
	if err != nil {
		return nil, err
	}
	if offer.CredentialRecord.ID == "" {
		return nil, &Error{Op: op, Err: errors.New("response has no credential record id")}
	}
	return offer, nil
}

// CredentialState reads the state of a credential exchange.
func (c *Client) CredentialState(ctx context.Context, credentialID string) (*CredentialState, error) {
	return get[CredentialState](ctx, c, "credential state", c.path("issuance", "credential-state", "id", credentialID))
}

// CheckPersonhood asks whether the wallet with the given label holds a valid PHC.
func (c *Client) CheckPersonhood(ctx context.Context, theirLabel string) (*PHCCheck, error) {
	return post[PHCCheck](ctx, c, "check personhood", c.path("phc", "check-and-issue", "theirLabel", theirLabel), nil)
}

// RecordPersonhood stores the expiry of a freshly issued PHC.
func (c *Client) RecordPersonhood(ctx context.Context, rec PHCRecord) error {
	return c.do(ctx, "record personhood", http.MethodPost, c.path("phc"), rec, nil)
}

// Ping checks that the agent answers HTTP at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: "ping", Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &Error{Op: "ping", StatusCode: resp.StatusCode}
	}
	return nil
}
