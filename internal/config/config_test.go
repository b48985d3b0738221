// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and space defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/parley-hub/internal/routing"
	"github.com/2389/parley-hub/internal/turn"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  node: 3

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"
  allow_ssh: true

conversation:
  turn_strategy: "round_robin"
  routing_strategy: "topic_based"
  interruption_policy: "priority_based"
  priority_threshold: 2
  max_turn_duration: "90s"
  bid_window: "10s"
  resume_window: "1m"
  linger: "5m"
  max_replay: 100
  multi_device: true

presence:
  sweep_interval: "15s"
  idle_after: "2m"
  away_after: "10m"
  offline_after: "30m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.Node != 3 {
		t.Errorf("Server.Node = %d, want 3", cfg.Server.Node)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if got := cfg.Database.EffectiveDriver(); got != "sqlite" {
		t.Errorf("Database.EffectiveDriver() = %q, want %q", got, "sqlite")
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}
	if !cfg.Auth.AllowSSH {
		t.Error("Auth.AllowSSH = false, want true")
	}

	if cfg.Conversation.MaxTurnDuration != 90*time.Second {
		t.Errorf("Conversation.MaxTurnDuration = %v, want %v", cfg.Conversation.MaxTurnDuration, 90*time.Second)
	}
	if cfg.Conversation.BidWindow != 10*time.Second {
		t.Errorf("Conversation.BidWindow = %v, want %v", cfg.Conversation.BidWindow, 10*time.Second)
	}
	if cfg.Conversation.ResumeWindow != time.Minute {
		t.Errorf("Conversation.ResumeWindow = %v, want %v", cfg.Conversation.ResumeWindow, time.Minute)
	}
	if cfg.Conversation.Linger != 5*time.Minute {
		t.Errorf("Conversation.Linger = %v, want %v", cfg.Conversation.Linger, 5*time.Minute)
	}
	if cfg.Presence.IdleAfter != 2*time.Minute {
		t.Errorf("Presence.IdleAfter = %v, want %v", cfg.Presence.IdleAfter, 2*time.Minute)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}

	defaults, err := cfg.SpaceDefaults()
	if err != nil {
		t.Fatalf("SpaceDefaults() error = %v", err)
	}
	if defaults.Turn.Strategy != turn.StrategyRoundRobin {
		t.Errorf("Turn.Strategy = %q, want %q", defaults.Turn.Strategy, turn.StrategyRoundRobin)
	}
	if defaults.Routing.Strategy != routing.StrategyTopicBased {
		t.Errorf("Routing.Strategy = %q, want %q", defaults.Routing.Strategy, routing.StrategyTopicBased)
	}
	if defaults.Interruption.Policy != turn.PolicyPriorityBased {
		t.Errorf("Interruption.Policy = %q, want %q", defaults.Interruption.Policy, turn.PolicyPriorityBased)
	}
	if defaults.Interruption.PriorityThreshold != 2 {
		t.Errorf("Interruption.PriorityThreshold = %d, want 2", defaults.Interruption.PriorityThreshold)
	}
	if defaults.Turn.MaxTurnDuration != 90*time.Second {
		t.Errorf("Turn.MaxTurnDuration = %v, want %v", defaults.Turn.MaxTurnDuration, 90*time.Second)
	}
	if !defaults.Connection.MultiDevice {
		t.Error("Connection.MultiDevice = false, want true")
	}
	if defaults.MaxReplay != 100 {
		t.Errorf("MaxReplay = %d, want 100", defaults.MaxReplay)
	}
	if defaults.Presence.OfflineAfter != 30*time.Minute {
		t.Errorf("Presence.OfflineAfter = %v, want %v", defaults.Presence.OfflineAfter, 30*time.Minute)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "secret-from-env")
	t.Setenv("TEST_DB_PATH", "/tmp/env.db")

	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "${TEST_DB_PATH}"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "secret-from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "secret-from-env")
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/env.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "server: [not: valid: yaml")
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
auth:
  allow_anonymous: true
conversation:
  max_turn_duration: "ninety seconds"
`)
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "max_turn_duration") {
		t.Errorf("Load() error = %q, want mention of max_turn_duration", err.Error())
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
auth:
  allow_anonymous: true
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "tailscale without hostname",
			configContent: `
tailscale:
  enabled: true
auth:
  allow_anonymous: true
`,
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "sqlite without path",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
database:
  driver: "sqlite"
auth:
  allow_anonymous: true
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "redis without url",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
database:
  driver: "redis"
auth:
  allow_anonymous: true
`,
			wantErrSubstr: "database.url is required",
		},
		{
			name: "unknown database driver",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
database:
  driver: "postgres"
auth:
  allow_anonymous: true
`,
			wantErrSubstr: "unknown database.driver",
		},
		{
			name: "no auth method",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
`,
			wantErrSubstr: "no auth method configured",
		},
		{
			name: "unknown turn strategy",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
auth:
  allow_anonymous: true
conversation:
  turn_strategy: "loudest_wins"
`,
			wantErrSubstr: "unknown conversation.turn_strategy",
		},
		{
			name: "unknown interruption policy",
			configContent: `
server:
  http_addr: "0.0.0.0:8080"
auth:
  allow_anonymous: true
conversation:
  interruption_policy: "anarchy"
`,
			wantErrSubstr: "unknown conversation.interruption_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestEffectiveDriver(t *testing.T) {
	tests := []struct {
		name string
		db   DatabaseConfig
		want string
	}{
		{name: "explicit driver wins", db: DatabaseConfig{Driver: "redis", Path: "x.db"}, want: "redis"},
		{name: "path implies sqlite", db: DatabaseConfig{Path: "x.db"}, want: "sqlite"},
		{name: "nothing means none", db: DatabaseConfig{}, want: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.db.EffectiveDriver(); got != tt.want {
				t.Errorf("EffectiveDriver() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHubDefaults(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{HTTPAddr: "0.0.0.0:8080", Node: 7},
		Auth:   AuthConfig{AllowAnonymous: true},
		Conversation: ConversationConfig{
			TurnStrategy:    "bidding",
			JanitorInterval: time.Minute,
		},
	}
	hub, err := cfg.HubDefaults()
	if err != nil {
		t.Fatalf("HubDefaults() error = %v", err)
	}
	if hub.Node != 7 {
		t.Errorf("Node = %d, want 7", hub.Node)
	}
	if hub.JanitorInterval != time.Minute {
		t.Errorf("JanitorInterval = %v, want %v", hub.JanitorInterval, time.Minute)
	}
	if hub.Defaults.Turn.Strategy != turn.StrategyBidding {
		t.Errorf("Defaults.Turn.Strategy = %q, want %q", hub.Defaults.Turn.Strategy, turn.StrategyBidding)
	}

	// Unset interval gets a working default.
	cfg.Conversation.JanitorInterval = 0
	hub, err = cfg.HubDefaults()
	if err != nil {
		t.Fatalf("HubDefaults() error = %v", err)
	}
	if hub.JanitorInterval <= 0 {
		t.Errorf("JanitorInterval = %v, want a positive default", hub.JanitorInterval)
	}
}
