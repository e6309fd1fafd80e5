// ABOUTME: Entry point for the ssi-portal training server
// ABOUTME: Subcommands to serve the portal, write a config, check health, watch agent handles, and list modules

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/ssi-portal/internal/agent"
	"github.com/2389/ssi-portal/internal/catalog"
	"github.com/2389/ssi-portal/internal/config"
	"github.com/2389/ssi-portal/internal/poller"
	"github.com/2389/ssi-portal/internal/portal"
)

// Version is set at build time.
var version = "dev"

const banner = `
          _                        _        _
 ___ ___(_)     _ __   ___  _ __| |_ __ _| |
/ __/ __| |____| '_ \ / _ \| '__| __/ _' | |
\__ \__ \ |____| |_) | (_) | |  | || (_| | |
|___/___/_|    | .__/ \___/|_|   \__\__,_|_|
               |_|
`

// getDataPath returns the ssi-portal data directory.
// Priority: XDG_DATA_HOME/ssi-portal > ~/.local/share/ssi-portal
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "ssi-portal")
}

func usage() {
	fmt.Println("Usage: ssi-portal <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                        Start the portal server")
	fmt.Println("  init                                         Write a starter config file")
	fmt.Println("  health                                       Check portal health")
	fmt.Println("  ready                                        Check portal readiness")
	fmt.Println("  watch <connection|proof|credential> <id>     Poll one agent handle until it settles")
	fmt.Println("  modules                                      List training modules")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runProbe(ctx, "/health", "healthy")
	case "ready":
		err = runProbe(ctx, "/health/ready", "")
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	case "modules":
		err = runModules(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (string, *config.Config, error) {
	path, err := config.DefaultPath()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, fmt.Errorf("loading config: %w", err)
	}
	return path, cfg, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.BaseURL)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		switch {
		case cfg.Tailscale.Funnel:
			yellow.Print(" [funnel]")
		case cfg.Tailscale.HTTPS:
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	fmt.Println()

	logger.Info("starting ssi-portal",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agent", cfg.Agent.BaseURL,
	)

	p, err := portal.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating portal: %w", err)
	}
	return p.Run(ctx)
}

func runInit() error {
	path, err := config.DefaultPath()
	if err != nil {
		return err
	}
	dbPath := filepath.Join(getDataPath(), "portal.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := config.WriteDefault(path, dbPath); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Wrote %s\n", path)
	fmt.Println("  Edit agent.base_url to point at your credential agent, then run: ssi-portal serve")
	return nil
}

// runProbe GETs a health endpoint of the running portal. An empty okText
// prints the response body instead.
func runProbe(ctx context.Context, path, okText string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if okText == "" {
		okText = strings.TrimSpace(string(body))
	}
	fmt.Println(okText)
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: ssi-portal watch <connection|proof|credential> <id>")
	}
	kind, handle := args[0], args[1]

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	client, err := agent.New(agent.Config{
		BaseURL: cfg.Agent.BaseURL,
		Timeout: cfg.Agent.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating agent client: %w", err)
	}

	opts := poller.Options{
		Interval:       cfg.Polling.Interval,
		MaxAttempts:    cfg.Polling.MaxAttempts,
		MaxFetchErrors: cfg.Polling.MaxFetchErrors,
		Logger:         logger,
	}

	gray := color.New(color.FgHiBlack)
	gray.Printf("watching %s %s every %s\n", kind, handle, opts.Interval)

	var summary watchSummary
	switch kind {
	case "connection":
		res, err := poller.Poll(ctx, handle, client.ConnectionState, opts)
		if err != nil {
			return err
		}
		summary = summarize(res)
		if res.Outcome == poller.OutcomeDone {
			summary.detail = fmt.Sprintf("connection %s with %q", res.Last.ConnectionID, res.Last.TheirLabel)
		}
	case "proof":
		res, err := poller.Poll(ctx, handle, client.VerificationState, opts)
		if err != nil {
			return err
		}
		summary = summarize(res)
		if res.Outcome == poller.OutcomeDone {
			summary.detail = fmt.Sprintf("verified=%t", res.Last.Verified)
		}
	case "credential":
		res, err := poller.Poll(ctx, handle, client.CredentialState, opts)
		if err != nil {
			return err
		}
		summary = summarize(res)
	default:
		return fmt.Errorf("unknown handle kind %q", kind)
	}

	return summary.print(os.Stdout)
}

type watchSummary struct {
	outcome  poller.Outcome
	status   poller.Status
	attempts int
	errors   int
	detail   string
	err      error
}

func summarize[T poller.Observation](res poller.Result[T]) watchSummary {
	return watchSummary{
		outcome:  res.Outcome,
		status:   res.Status,
		attempts: res.Attempts,
		errors:   res.Errors,
		err:      res.Err,
	}
}

func (s watchSummary) print(w io.Writer) error {
	var mark *color.Color
	switch s.outcome {
	case poller.OutcomeDone:
		mark = color.New(color.FgGreen)
	case poller.OutcomeAbandoned:
		mark = color.New(color.FgRed)
	default:
		mark = color.New(color.FgYellow)
	}
	mark.Fprintf(w, "%s", s.outcome)
	fmt.Fprintf(w, " after %d attempts (%d fetch errors), last status %q\n", s.attempts, s.errors, s.status)
	if s.detail != "" {
		fmt.Fprintf(w, "  %s\n", s.detail)
	}
	if s.outcome != poller.OutcomeDone {
		if s.err != nil {
			return fmt.Errorf("operation did not complete: %w", s.err)
		}
		return errors.New("operation did not complete")
	}
	return nil
}

func runModules(w io.Writer) error {
	cat, err := catalog.Default()
	if err != nil {
		return fmt.Errorf("loading modules: %w", err)
	}
	bold := color.New(color.Bold)
	for _, m := range cat.All() {
		bold.Fprintf(w, "%2d. %s\n", m.ID, m.Title)
		if m.Summary != "" {
			fmt.Fprintf(w, "    %s\n", m.Summary)
		}
	}
	return nil
}
