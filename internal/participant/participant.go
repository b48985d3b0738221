// ABOUTME: Participant model with closed kind set, presence states, and heartbeat cadence.
// ABOUTME: Kinds drive routing tables and heartbeat timing, never subtype dispatch.

package participant

import "time"

// Kind is the closed set of participant categories. Behavior differences
// between kinds live in configuration keyed on Kind (routing tables,
// heartbeat cadence), not in per-kind types.
type Kind string

const (
	KindRemoteAgent     Kind = "remote_agent"
	KindLocalAgent      Kind = "local_agent"
	KindHuman           Kind = "human"
	KindExternalService Kind = "external_service"
)

// Valid reports whether k is a known participant kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRemoteAgent, KindLocalAgent, KindHuman, KindExternalService:
		return true
	}
	return false
}

// HeartbeatInterval returns how often a participant of this kind is expected
// to heartbeat. Network agents ping tightest; humans loosest, since their
// clients heartbeat on their behalf.
func HeartbeatInterval(k Kind) time.Duration {
	switch k {
	case KindRemoteAgent:
		return 15 * time.Second
	case KindLocalAgent:
		return 30 * time.Second
	case KindExternalService:
		return 45 * time.Second
	default:
		return 60 * time.Second
	}
}

// Presence describes how recently a participant has been active.
type Presence string

const (
	PresenceActive  Presence = "active"
	PresenceIdle    Presence = "idle"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// Valid reports whether p is a known presence state.
func (p Presence) Valid() bool {
	switch p {
	case PresenceActive, PresenceIdle, PresenceAway, PresenceOffline:
		return true
	}
	return false
}

// Participant is a member of a conversation. Identity fields are set at join
// and immutable; presence fields are maintained by the registry.
type Participant struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities,omitempty"`
	// Priority feeds priority turn allocation and priority-based
	// interruption. Higher wins.
	Priority int `json:"priority"`

	Presence   Presence  `json:"presence"`
	JoinedAt   time.Time `json:"joined_at"`
	LastActive time.Time `json:"last_active"`
}

// clone returns a copy safe to hand outside the registry lock.
func (p *Participant) clone() *Participant {
	cp := *p
	if p.Capabilities != nil {
		cp.Capabilities = append([]string(nil), p.Capabilities...)
	}
	return &cp
}
