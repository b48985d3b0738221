// ABOUTME: Named conversation presets loaded from a TOML file.
// ABOUTME: A preset overlays the configured defaults; the create API names one.

package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/parley-hub/internal/routing"
	"github.com/2389/parley-hub/internal/space"
	"github.com/2389/parley-hub/internal/turn"
)

// Preset is one named conversation shape, e.g.
//
//	[standup]
//	topic = "daily standup"
//	turn_strategy = "round_robin"
//	max_turn_duration = "90s"
//
// Zero values leave the corresponding default untouched.
type Preset struct {
	Topic              string   `toml:"topic"`
	TurnStrategy       string   `toml:"turn_strategy"`
	RoutingStrategy    string   `toml:"routing_strategy"`
	InterruptionPolicy string   `toml:"interruption_policy"`
	MaxTurnDuration    string   `toml:"max_turn_duration"`
	BidWindow          string   `toml:"bid_window"`
	VoteWindow         string   `toml:"vote_window"`
	AskTimeout         string   `toml:"ask_timeout"`
	OverlapTolerance   string   `toml:"overlap_tolerance"`
	ResumeWindow       string   `toml:"resume_window"`
	Linger             string   `toml:"linger"`
	QueueLimit         int      `toml:"queue_limit"`
	MaxSimultaneous    int      `toml:"max_simultaneous"`
	PriorityThreshold  int      `toml:"priority_threshold"`
	MinVotes           int      `toml:"min_votes"`
	HistoryLimit       int      `toml:"history_limit"`
	MaxReplay          int      `toml:"max_replay"`
	MultiDevice        *bool    `toml:"multi_device"`
	Roles              []string `toml:"roles"`
	RelevanceThreshold float64  `toml:"relevance_threshold"`
}

// Presets maps preset names to their overlays.
type Presets map[string]Preset

// LoadPresets reads a TOML presets file, expanding ${VAR} environment
// references. A missing file is not an error; it yields no presets.
func LoadPresets(path string) (Presets, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Presets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading presets file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var presets Presets
	if _, err := toml.Decode(expanded, &presets); err != nil {
		return nil, fmt.Errorf("parsing presets file: %w", err)
	}

	// Fail at load time, not at first use.
	base := space.Config{}
	for name, p := range presets {
		if _, err := p.Apply(base); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
	}
	return presets, nil
}

// Names returns the preset names, sorted.
func (ps Presets) Names() []string {
	names := make([]string, 0, len(ps))
	for name := range ps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply overlays the preset onto a base space configuration.
func (p Preset) Apply(base space.Config) (space.Config, error) {
	out := base

	if p.Topic != "" {
		out.Topic = p.Topic
	}
	if p.TurnStrategy != "" {
		s := turn.Strategy(p.TurnStrategy)
		if !s.Valid() {
			return space.Config{}, fmt.Errorf("unknown turn_strategy %q", p.TurnStrategy)
		}
		out.Turn.Strategy = s
	}
	if p.RoutingStrategy != "" {
		s := routing.Strategy(p.RoutingStrategy)
		if !s.Valid() {
			return space.Config{}, fmt.Errorf("unknown routing_strategy %q", p.RoutingStrategy)
		}
		out.Routing.Strategy = s
	}
	if p.InterruptionPolicy != "" {
		pol := turn.InterruptionPolicy(p.InterruptionPolicy)
		if !pol.Valid() {
			return space.Config{}, fmt.Errorf("unknown interruption_policy %q", p.InterruptionPolicy)
		}
		out.Interruption.Policy = pol
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"max_turn_duration", p.MaxTurnDuration, &out.Turn.MaxTurnDuration},
		{"bid_window", p.BidWindow, &out.BidWindow},
		{"vote_window", p.VoteWindow, &out.Turn.VoteWindow},
		{"ask_timeout", p.AskTimeout, &out.Interruption.AskTimeout},
		{"overlap_tolerance", p.OverlapTolerance, &out.Interruption.OverlapTolerance},
		{"resume_window", p.ResumeWindow, &out.Connection.ResumeWindow},
		{"linger", p.Linger, &out.Linger},
	}
	for _, f := range durations {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return space.Config{}, fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	if p.VoteWindow != "" {
		out.Interruption.VoteWindow = out.Turn.VoteWindow
	}

	if p.QueueLimit > 0 {
		out.Turn.QueueLimit = p.QueueLimit
	}
	if p.MaxSimultaneous > 0 {
		out.Turn.MaxSimultaneous = p.MaxSimultaneous
	}
	if p.PriorityThreshold != 0 {
		out.Turn.PriorityThreshold = p.PriorityThreshold
		out.Interruption.PriorityThreshold = p.PriorityThreshold
	}
	if p.MinVotes > 0 {
		out.Turn.MinVotes = p.MinVotes
		out.Interruption.MinVotes = p.MinVotes
	}
	if p.HistoryLimit > 0 {
		out.HistoryLimit = p.HistoryLimit
	}
	if p.MaxReplay > 0 {
		out.MaxReplay = p.MaxReplay
	}
	if p.MultiDevice != nil {
		out.Connection.MultiDevice = *p.MultiDevice
	}
	if len(p.Roles) > 0 {
		out.Routing.Roles = p.Roles
	}
	if p.RelevanceThreshold > 0 {
		out.Routing.RelevanceThreshold = p.RelevanceThreshold
	}
	return out, nil
}
