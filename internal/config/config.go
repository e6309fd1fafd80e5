// ABOUTME: Configuration loading and parsing for ssi-portal
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "SSI_PORTAL_CONFIG"

// Defaults applied to fields left empty in the file.
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultDatabasePath    = "ssi-portal.db"
	DefaultAgentURL        = "http://localhost:3001"
	DefaultRequestTimeout  = 15 * time.Second
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxAttempts     = 30
	DefaultMaxFetchErrors  = 3
	DefaultSessionDuration = 24 * time.Hour
	DefaultPHCValidity     = 60 * time.Hour
	DefaultMetricsPath     = "/metrics"

	minSecretLength = 32
)

// Config represents the complete ssi-portal configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Polling   PollingConfig   `yaml:"polling" toml:"polling"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Portal    PortalConfig    `yaml:"portal" toml:"portal"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // tailnet-only HTTPS with Tailscale certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AgentConfig points at the remote credential agent
type AgentConfig struct {
	BaseURL        string        `yaml:"base_url" toml:"base_url"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// PollingConfig is the single source of poll timing for every flow
type PollingConfig struct {
	Interval       time.Duration `yaml:"-" toml:"-"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	MaxFetchErrors int           `yaml:"max_fetch_errors" toml:"max_fetch_errors"`

	IntervalRaw string `yaml:"interval" toml:"interval"`
}

// SessionConfig holds browser session settings
type SessionConfig struct {
	Secret       string        `yaml:"secret" toml:"secret"`
	Duration     time.Duration `yaml:"-" toml:"-"`
	SecureCookie bool          `yaml:"secure_cookie" toml:"secure_cookie"`

	DurationRaw string `yaml:"duration" toml:"duration"`
}

// PortalConfig holds portal behavior settings
type PortalConfig struct {
	// BaseURL is the external URL of the portal. The agent redirects the
	// GitHub login back to BaseURL + "/phc".
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	PHCValidity time.Duration `yaml:"-" toml:"-"`

	PHCValidityRaw string `yaml:"phc_validity" toml:"phc_validity"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath resolves the config location: $SSI_PORTAL_CONFIG, then
// $XDG_CONFIG_HOME/ssi-portal/portal.yaml, then ~/.config/ssi-portal/portal.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ssi-portal", "portal.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ssi-portal", "portal.yaml"), nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = DefaultAgentURL
	}
	c.Agent.BaseURL = strings.TrimSuffix(c.Agent.BaseURL, "/")
	if c.Agent.RequestTimeout == 0 {
		c.Agent.RequestTimeout = DefaultRequestTimeout
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = DefaultPollInterval
	}
	if c.Polling.MaxAttempts == 0 {
		c.Polling.MaxAttempts = DefaultMaxAttempts
	}
	if c.Polling.MaxFetchErrors == 0 {
		c.Polling.MaxFetchErrors = DefaultMaxFetchErrors
	}
	if c.Session.Duration == 0 {
		c.Session.Duration = DefaultSessionDuration
	}
	if c.Portal.PHCValidity == 0 {
		c.Portal.PHCValidity = DefaultPHCValidity
	}
	c.Portal.BaseURL = strings.TrimSuffix(c.Portal.BaseURL, "/")
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	u, err := url.Parse(c.Agent.BaseURL)
	if err != nil {
		return fmt.Errorf("agent.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("agent.base_url must use http or https scheme")
	}
	if c.Portal.BaseURL != "" {
		if _, err := url.Parse(c.Portal.BaseURL); err != nil {
			return fmt.Errorf("portal.base_url is not a valid URL: %w", err)
		}
	}

	if c.Polling.Interval < 0 {
		return errors.New("polling.interval must not be negative")
	}

	if len(c.Session.Secret) < minSecretLength {
		return fmt.Errorf("session.secret must be at least %d bytes", minSecretLength)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.request_timeout", cfg.Agent.RequestTimeoutRaw, &cfg.Agent.RequestTimeout},
		{"polling.interval", cfg.Polling.IntervalRaw, &cfg.Polling.Interval},
		{"session.duration", cfg.Session.DurationRaw, &cfg.Session.Duration},
		{"portal.phc_validity", cfg.Portal.PHCValidityRaw, &cfg.Portal.PHCValidity},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

const defaultTemplate = `# ssi-portal configuration

server:
  http_addr: "127.0.0.1:8080"

database:
  path: "%s"

agent:
  base_url: "${SSI_AGENT_URL}"
  request_timeout: "15s"

polling:
  interval: "2s"
  max_attempts: 30
  max_fetch_errors: 3

session:
  secret: "%s"
  duration: "24h"
  secure_cookie: false

portal:
  base_url: "http://127.0.0.1:8080"
  phc_validity: "60h"

tailscale:
  enabled: false
  hostname: "ssi-portal"
  auth_key: "${TS_AUTHKEY}"
  https: false
  funnel: false

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// WriteDefault writes a starter YAML config to path with a fresh session
// secret. It refuses to overwrite an existing file.
func WriteDefault(path, databasePath string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	secret := make([]byte, minSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating session secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	content := fmt.Sprintf(defaultTemplate, databasePath, hex.EncodeToString(secret))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
