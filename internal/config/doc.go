// Package config handles configuration loading for parley-hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and materializes the conversation section
// into the hub's default space configuration. Named conversation presets load
// separately from a TOML file.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/hub.yaml
//  3. ~/.config/parley/hub.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	conversation:
//	  max_turn_duration: "2m"
//	  bid_window: "3s"
//	  resume_window: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"  # WebSocket sessions and REST API
//	  node: 0                    # distinguishes hubs sharing a store
//
// History store:
//
//	database:
//	  driver: "sqlite"           # sqlite, redis, or none
//	  path: "/var/lib/parley/hub.db"
//	  url: "redis://localhost:6379/0"
//
// Authentication (at least one method is required):
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//	  allow_ssh: false
//	  allow_anonymous: false
//
// Conversation defaults (presets and the create API override per room):
//
//	conversation:
//	  turn_strategy: "sequential"
//	  routing_strategy: "broadcast"
//	  interruption_policy: "priority"
//	  queue_limit: 32
//	  resume_window: "5m"
//	  presets_file: "/etc/parley/presets.toml"
//
// Presence demotion thresholds:
//
//	presence:
//	  sweep_interval: "10s"
//	  idle_after: "2m"
//	  away_after: "10m"
//	  offline_after: "30m"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "parley-hub"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - An HTTP address or Tailscale is configured
//   - The selected database driver has its path or URL
//   - At least one auth method is enabled
//   - Strategy and policy names are known
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	hubCfg, err := cfg.HubDefaults()
package config
