// ABOUTME: Configuration loading and parsing for parley-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/parley-hub/internal/connection"
	"github.com/2389/parley-hub/internal/participant"
	"github.com/2389/parley-hub/internal/routing"
	"github.com/2389/parley-hub/internal/space"
	"github.com/2389/parley-hub/internal/turn"
)

// Config represents the complete parley-hub configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Conversation ConversationConfig `yaml:"conversation"`
	Presence     PresenceConfig     `yaml:"presence"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// Node distinguishes this process in generated message ids when
	// several hubs share a store.
	Node int64 `yaml:"node"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig selects the history store. Driver is sqlite, redis, or
// none; an empty driver means sqlite when a path is set and none otherwise.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"` // sqlite file
	URL    string `yaml:"url"`  // redis URL
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	AllowSSH       bool   `yaml:"allow_ssh"`
	AllowAnonymous bool   `yaml:"allow_anonymous"`
}

// ConversationConfig holds the default coordination behavior for new
// conversations. Presets and the create API override it per conversation.
type ConversationConfig struct {
	TurnStrategy       string `yaml:"turn_strategy"`
	RoutingStrategy    string `yaml:"routing_strategy"`
	InterruptionPolicy string `yaml:"interruption_policy"`

	QueueLimit         int      `yaml:"queue_limit"`
	MaxSimultaneous    int      `yaml:"max_simultaneous"`
	PriorityThreshold  int      `yaml:"priority_threshold"`
	MinVotes           int      `yaml:"min_votes"`
	OutboundQueueSize  int      `yaml:"outbound_queue_size"`
	HistoryLimit       int      `yaml:"history_limit"`
	MaxReplay          int      `yaml:"max_replay"`
	MultiDevice        bool     `yaml:"multi_device"`
	Roles              []string `yaml:"roles"`
	RelevanceThreshold float64  `yaml:"relevance_threshold"`

	PresetsFile string `yaml:"presets_file"`

	MaxTurnDuration  time.Duration `yaml:"-"`
	BidWindow        time.Duration `yaml:"-"`
	VoteWindow       time.Duration `yaml:"-"`
	AskTimeout       time.Duration `yaml:"-"`
	OverlapTolerance time.Duration `yaml:"-"`
	ResumeWindow     time.Duration `yaml:"-"`
	Linger           time.Duration `yaml:"-"`
	JanitorInterval  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MaxTurnDurationRaw  string `yaml:"max_turn_duration"`
	BidWindowRaw        string `yaml:"bid_window"`
	VoteWindowRaw       string `yaml:"vote_window"`
	AskTimeoutRaw       string `yaml:"ask_timeout"`
	OverlapToleranceRaw string `yaml:"overlap_tolerance"`
	ResumeWindowRaw     string `yaml:"resume_window"`
	LingerRaw           string `yaml:"linger"`
	JanitorIntervalRaw  string `yaml:"janitor_interval"`
}

// PresenceConfig holds the presence sweep cadence and demotion thresholds
type PresenceConfig struct {
	SweepInterval time.Duration `yaml:"-"`
	IdleAfter     time.Duration `yaml:"-"`
	AwayAfter     time.Duration `yaml:"-"`
	OfflineAfter  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw string `yaml:"sweep_interval"`
	IdleAfterRaw     string `yaml:"idle_after"`
	AwayAfterRaw     string `yaml:"away_after"`
	OfflineAfterRaw  string `yaml:"offline_after"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.driver() {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "redis":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the redis driver")
		}
	case "none":
	default:
		return fmt.Errorf("unknown database.driver %q (want sqlite, redis, or none)", c.Database.Driver)
	}

	if !c.Auth.AllowAnonymous && c.Auth.JWTSecret == "" && !c.Auth.AllowSSH {
		return fmt.Errorf("no auth method configured: set auth.jwt_secret, auth.allow_ssh, or auth.allow_anonymous")
	}

	if _, err := c.SpaceDefaults(); err != nil {
		return err
	}
	return nil
}

// EffectiveDriver returns the database driver after defaulting: sqlite
// when a path is set, none when nothing is.
func (d DatabaseConfig) EffectiveDriver() string { return d.driver() }

func (d DatabaseConfig) driver() string {
	if d.Driver != "" {
		return d.Driver
	}
	if d.Path != "" {
		return "sqlite"
	}
	return "none"
}

// SpaceDefaults materializes the conversation section as the default space
// configuration. Unset fields stay zero so the space's own defaults apply.
func (c *Config) SpaceDefaults() (space.Config, error) {
	conv := c.Conversation

	turnStrategy := turn.Strategy(conv.TurnStrategy)
	if conv.TurnStrategy != "" && !turnStrategy.Valid() {
		return space.Config{}, fmt.Errorf("unknown conversation.turn_strategy %q", conv.TurnStrategy)
	}
	routingStrategy := routing.Strategy(conv.RoutingStrategy)
	if conv.RoutingStrategy != "" && !routingStrategy.Valid() {
		return space.Config{}, fmt.Errorf("unknown conversation.routing_strategy %q", conv.RoutingStrategy)
	}
	policy := turn.InterruptionPolicy(conv.InterruptionPolicy)
	if conv.InterruptionPolicy != "" && !policy.Valid() {
		return space.Config{}, fmt.Errorf("unknown conversation.interruption_policy %q", conv.InterruptionPolicy)
	}

	return space.Config{
		Turn: turn.Config{
			Strategy:          turnStrategy,
			MaxTurnDuration:   conv.MaxTurnDuration,
			QueueLimit:        conv.QueueLimit,
			MaxSimultaneous:   conv.MaxSimultaneous,
			PriorityThreshold: conv.PriorityThreshold,
			MinVotes:          conv.MinVotes,
			VoteWindow:        conv.VoteWindow,
		},
		Interruption: turn.InterruptionConfig{
			Policy:            policy,
			PriorityThreshold: conv.PriorityThreshold,
			MinVotes:          conv.MinVotes,
			VoteWindow:        conv.VoteWindow,
			AskTimeout:        conv.AskTimeout,
			OverlapTolerance:  conv.OverlapTolerance,
		},
		Routing: routing.Config{
			Strategy:           routingStrategy,
			Roles:              conv.Roles,
			RelevanceThreshold: conv.RelevanceThreshold,
		},
		Connection: connection.Config{
			OutboundQueueSize: conv.OutboundQueueSize,
			ResumeWindow:      conv.ResumeWindow,
			MultiDevice:       conv.MultiDevice,
		},
		BidWindow:    conv.BidWindow,
		MaxReplay:    conv.MaxReplay,
		HistoryLimit: conv.HistoryLimit,
		Linger:       conv.Linger,
		Presence: participant.SweepThresholds{
			IdleAfter:    c.Presence.IdleAfter,
			AwayAfter:    c.Presence.AwayAfter,
			OfflineAfter: c.Presence.OfflineAfter,
		},
		SweepInterval: c.Presence.SweepInterval,
	}, nil
}

// HubDefaults materializes the hub-level configuration.
func (c *Config) HubDefaults() (space.HubConfig, error) {
	defaults, err := c.SpaceDefaults()
	if err != nil {
		return space.HubConfig{}, err
	}
	interval := c.Conversation.JanitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return space.HubConfig{
		Defaults:        defaults,
		JanitorInterval: interval,
		Node:            c.Server.Node,
	}, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	conv := &cfg.Conversation
	pres := &cfg.Presence
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"conversation.max_turn_duration", conv.MaxTurnDurationRaw, &conv.MaxTurnDuration},
		{"conversation.bid_window", conv.BidWindowRaw, &conv.BidWindow},
		{"conversation.vote_window", conv.VoteWindowRaw, &conv.VoteWindow},
		{"conversation.ask_timeout", conv.AskTimeoutRaw, &conv.AskTimeout},
		{"conversation.overlap_tolerance", conv.OverlapToleranceRaw, &conv.OverlapTolerance},
		{"conversation.resume_window", conv.ResumeWindowRaw, &conv.ResumeWindow},
		{"conversation.linger", conv.LingerRaw, &conv.Linger},
		{"conversation.janitor_interval", conv.JanitorIntervalRaw, &conv.JanitorInterval},
		{"presence.sweep_interval", pres.SweepIntervalRaw, &pres.SweepInterval},
		{"presence.idle_after", pres.IdleAfterRaw, &pres.IdleAfter},
		{"presence.away_after", pres.AwayAfterRaw, &pres.AwayAfter},
		{"presence.offline_after", pres.OfflineAfterRaw, &pres.OfflineAfter},
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
