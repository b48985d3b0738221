// ABOUTME: Tracks conversation membership and presence, keyed by participant id.
// ABOUTME: Join/leave ordering is serialized by the owning conversation loop.

package participant

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateParticipant indicates a join for an id that is already a member.
var ErrDuplicateParticipant = errors.New("participant already joined")

// ErrUnknownParticipant indicates the id is not a current member.
var ErrUnknownParticipant = errors.New("participant not found")

// SweepThresholds configure presence demotion during a sweep. A zero
// threshold disables that demotion step.
type SweepThresholds struct {
	IdleAfter    time.Duration
	AwayAfter    time.Duration
	OfflineAfter time.Duration
}

// PresenceChange records a demotion produced by a sweep.
type PresenceChange struct {
	ParticipantID string
	From          Presence
	To            Presence
}

// Registry holds the members of one conversation. Reads are safe from any
// goroutine; join and leave are called only from the conversation loop so
// membership changes interleave deterministically with turn state.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*Participant
	order   []string // ids in join order, for rotation strategies
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: make(map[string]*Participant),
		logger:  logger.With("component", "registry"),
	}
}

// Join admits a participant. Returns ErrDuplicateParticipant if the id is
// already a member, and rejects invalid kinds before touching state.
func (r *Registry) Join(p *Participant) error {
	if p.ID == "" {
		return fmt.Errorf("participant id is required")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown participant kind %q", p.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateParticipant, p.ID)
	}

	now := time.Now()
	member := p.clone()
	member.Presence = PresenceActive
	member.JoinedAt = now
	member.LastActive = now
	r.members[p.ID] = member
	r.order = append(r.order, p.ID)

	r.logger.Info("participant joined",
		"participant_id", p.ID,
		"kind", p.Kind,
		"total_members", len(r.members),
	)
	return nil
}

// Leave removes a participant. Idempotent: returns false if the id was not
// a member, which callers treat as success.
func (r *Registry) Leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[id]; !exists {
		return false
	}
	delete(r.members, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("participant left",
		"participant_id", id,
		"total_members", len(r.members),
	)
	return true
}

// Get returns a copy of the member, or ErrUnknownParticipant.
func (r *Registry) Get(id string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	return p.clone(), nil
}

// Has reports membership without copying.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// Touch records activity: presence returns to active and LastActive advances.
// Unknown ids are ignored so a leave racing a heartbeat stays quiet.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return
	}
	p.Presence = PresenceActive
	p.LastActive = time.Now()
}

// UpdatePresence sets an explicit presence state (e.g. a client marking
// itself away). Returns ErrUnknownParticipant for non-members.
func (r *Registry) UpdatePresence(id string, presence Presence) error {
	if !presence.Valid() {
		return fmt.Errorf("unknown presence %q", presence)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	p.Presence = presence
	if presence == PresenceActive {
		p.LastActive = time.Now()
	}
	return nil
}

// List returns a snapshot of all members.
func (r *Registry) List() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p.clone())
	}
	return out
}

// Len returns the current member count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// JoinOrder returns member ids oldest join first.
func (r *Registry) JoinOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Priority returns a member's scheduling priority, 0 for non-members.
func (r *Registry) Priority(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.members[id]; ok {
		return p.Priority
	}
	return 0
}

// PresenceOf returns a member's presence, offline for non-members.
func (r *Registry) PresenceOf(id string) Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.members[id]; ok {
		return p.Presence
	}
	return PresenceOffline
}

// Sweep demotes members whose LastActive crossed the configured thresholds
// and returns the ids that crossed OfflineAfter. The caller decides what
// removal means; the registry only reports them.
func (r *Registry) Sweep(now time.Time, th SweepThresholds) (changes []PresenceChange, expired []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.members {
		idle := now.Sub(p.LastActive)

		if th.OfflineAfter > 0 && idle >= th.OfflineAfter {
			expired = append(expired, id)
			continue
		}

		target := p.Presence
		switch {
		case th.AwayAfter > 0 && idle >= th.AwayAfter:
			target = PresenceAway
		case th.IdleAfter > 0 && idle >= th.IdleAfter:
			target = PresenceIdle
		default:
			continue
		}

		// Sweeps only demote. Promotions come from Touch.
		if target != p.Presence && demotes(p.Presence, target) {
			changes = append(changes, PresenceChange{
				ParticipantID: id,
				From:          p.Presence,
				To:            target,
			})
			p.Presence = target
		}
	}
	return changes, expired
}

// demotes reports whether moving from a to b is a demotion.
func demotes(a, b Presence) bool {
	return presenceRank(b) > presenceRank(a)
}

func presenceRank(p Presence) int {
	switch p {
	case PresenceActive:
		return 0
	case PresenceIdle:
		return 1
	case PresenceAway:
		return 2
	default:
		return 3
	}
}
