// Package config handles configuration loading for ssi-portal.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package fills in defaults and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SSI_PORTAL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/ssi-portal/portal.yaml
//  3. ~/.config/ssi-portal/portal.yaml
//
// A path ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	session:
//	  secret: "${SSI_SESSION_SECRET}"
//
// Unset variables expand to the empty string, which then picks up the default.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	polling:
//	  interval: "2s"
//	portal:
//	  phc_validity: "60h"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	database:
//	  path: "/var/lib/ssi-portal/portal.db"
//
//	agent:
//	  base_url: "http://localhost:3001"   # credential agent REST API
//	  request_timeout: "15s"
//
//	polling:
//	  interval: "2s"          # spacing between status fetches
//	  max_attempts: 30        # ceiling per operation, -1 for unbounded
//	  max_fetch_errors: 3     # consecutive fetch failures tolerated, -1 for none
//
//	session:
//	  secret: "${SSI_SESSION_SECRET}"   # at least 32 bytes
//	  duration: "24h"
//
//	portal:
//	  base_url: "https://portal.example.com"
//	  phc_validity: "60h"
//
//	tailscale:
//	  enabled: false
//	  hostname: "ssi-portal"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	path, _ := config.DefaultPath()
//	cfg, err := config.Load(path)
package config
