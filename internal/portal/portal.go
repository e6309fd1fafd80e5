// ABOUTME: Portal orchestrator that wires the store, agent client, flows, and HTTP server
// ABOUTME: Manages listeners (TCP or tsnet), health endpoints, session cleanup, and shutdown

package portal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/auth"
	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/config"
	"github.com/2389/ssi-portal/internal/dedupe"
	"github.com/2389/ssi-portal/internal/metrics"
	"github.com/2389/ssi-portal/internal/operations"
	"github.com/2389/ssi-portal/internal/poller"
	"github.com/2389/ssi-portal/internal/store"
	"github.com/2389/ssi-portal/internal/web"
	"github.com/2389/ssi-portal/internal/workflow"
)

// EnvDatabasePath overrides database.path when set.
const EnvDatabasePath = "SSI_PORTAL_DB_PATH"

const (
	// sessionCleanupInterval is how often expired sessions are purged.
	sessionCleanupInterval = 10 * time.Minute

	// handleTTL bounds how long a settled handle is remembered. In-flight
	// claims are refreshed on every fetch, so polls may outlive it.
	handleTTL      = 30 * time.Minute
	maxHandles     = 100_000
	readyTimeout   = 3 * time.Second
	shutdownPeriod = 5 * time.Second
)

// Portal orchestrates the ssi-portal server components.
type Portal struct {
	config      *config.Config
	store       store.Store
	agent       *agent.Client
	metrics     *metrics.Metrics
	tracker     *operations.Tracker
	handles     *dedupe.Registry
	service     *workflow.Service
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// initStore creates the SQLite store from config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(EnvDatabasePath); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Portal from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Portal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keys, err := auth.DeriveKeys(cfg.Session.Secret)
	if err != nil {
		return nil, fmt.Errorf("deriving session keys: %w", err)
	}
	cat, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("loading module catalog: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	client, err := agent.New(agent.Config{
		BaseURL:  cfg.Agent.BaseURL,
		Timeout:  cfg.Agent.RequestTimeout,
		Logger:   logger,
		Observer: m,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating agent client: %w", err)
	}

	tracker := operations.New(logger, m)
	handles := dedupe.New(handleTTL, maxHandles)

	svc := workflow.New(client, s, tracker, handles, cat, workflow.Options{
		Poll: poller.Options{
			Interval:       cfg.Polling.Interval,
			MaxAttempts:    cfg.Polling.MaxAttempts,
			MaxFetchErrors: cfg.Polling.MaxFetchErrors,
		},
		PHCValidity: cfg.Portal.PHCValidity,
		Logger:      logger,
		Metrics:     m,
	})

	sessions := auth.NewSessions(s, auth.SessionConfig{
		Keys:         keys,
		Duration:     cfg.Session.Duration,
		SecureCookie: cfg.Session.SecureCookie || cfg.Tailscale.Funnel || cfg.Tailscale.HTTPS,
		Logger:       logger,
	})

	p := &Portal{
		config:  cfg,
		store:   s,
		agent:   client,
		metrics: m,
		tracker: tracker,
		handles: handles,
		service: svc,
		logger:  logger.With("component", "portal"),
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", p.handleHealth)
	mux.HandleFunc("GET /health/ready", p.handleReady)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	web.New(svc, sessions, web.Options{Logger: logger}).RegisterRoutes(mux)

	p.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return p, nil
}

// Handler returns the portal's HTTP handler.
func (p *Portal) Handler() http.Handler {
	return p.httpServer.Handler
}

// Service returns the workflow service behind the pages.
func (p *Portal) Service() *workflow.Service {
	return p.service
}

// setupListener creates the HTTP listener on TCP or the tailnet.
func (p *Portal) setupListener(ctx context.Context) (net.Listener, error) {
	if p.config.Tailscale.Enabled {
		if p.config.Server.HTTPAddr != "" {
			p.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", p.config.Server.HTTPAddr)
		}
		return p.setupTailscaleListener(ctx)
	}

	p.logger.Info("starting portal", "http_addr", p.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", p.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the portal and blocks until ctx is canceled or the server fails.
func (p *Portal) Run(ctx context.Context) error {
	ln, err := p.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go p.cleanupLoop(cleanupCtx)

	var serverErr error
	select {
	case <-ctx.Done():
		p.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		p.logger.Error("server error", "error", serverErr)
	}
	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
	defer cancel()
	shutdownErr := p.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// cleanupLoop purges expired sessions until ctx is done.
func (p *Portal) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purgeExpiredSessions(ctx)
		}
	}
}

func (p *Portal) purgeExpiredSessions(ctx context.Context) {
	n, err := p.store.DeleteExpiredSessions(ctx, time.Now())
	if err != nil {
		p.logger.Error("failed to purge expired sessions", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("purged expired sessions", "count", n)
	}
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "ssi-portal", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (p *Portal) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := p.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	p.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	p.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := p.tsnetServer.Up(ctx)
	if err != nil {
		_ = p.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	p.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		p.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := p.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = p.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return p.createTailscaleTLSListener()
	default:
		ln, err := p.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = p.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func (p *Portal) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		p.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	p.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if p.config.Portal.BaseURL == "" && dnsName != "" {
		p.logger.Warn("portal.base_url not set; the agent's GitHub redirect must target this node",
			"dns_name", dnsName)
	}
}

// createTailscaleTLSListener serves HTTPS with Tailscale's auto-provisioned certs.
func (p *Portal) createTailscaleTLSListener() (net.Listener, error) {
	p.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := p.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = p.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := p.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = p.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, cancels running flows, and releases
// resources. Calls after the first return the first call's result.
func (p *Portal) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.logger.Info("shutting down portal")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", p.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "operations shutdown", p.tracker.Close(ctx))
		if p.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", p.tsnetServer.Close())
		}
		p.handles.Close()
		errs = appendCloseError(errs, "store close", p.store.Close())

		if len(errs) > 0 {
			p.closeErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return p.closeErr
}

// handleHealth returns 200 OK if the server is alive.
func (p *Portal) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database and the agent both answer.
func (p *Portal) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := p.store.Ping(ctx); err != nil {
		p.logger.Warn("readiness: store unavailable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	if err := p.agent.Ping(ctx); err != nil {
		p.logger.Warn("readiness: agent unavailable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("agent unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d operations running)", p.tracker.Running())
}
