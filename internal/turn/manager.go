// ABOUTME: Turn manager owning the floor state machine for one conversation.
// ABOUTME: Tracks holders and the wait queue; strategies decide who advances.

package turn

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/parley-hub/internal/participant"
)

// State is a participant's position in the turn lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateQueued   State = "queued"
	StateGranted  State = "granted"
	StateSpeaking State = "speaking"
)

// MemberView is the read-only slice of the participant registry the
// manager consults for priorities, presence, and rotation order.
type MemberView interface {
	Priority(id string) int
	PresenceOf(id string) participant.Presence
	JoinOrder() []string
}

// Config fixes the allocation behavior for one conversation.
type Config struct {
	Strategy          Strategy
	MaxTurnDuration   time.Duration // 0 means turns never expire
	QueueLimit        int
	MaxSimultaneous   int  // concurrent strategy only
	SkipIdle          bool // round_robin: skip non-active members
	PriorityThreshold int  // priority strategy preemption margin
	MinVotes          int  // consensus strategy
	VoteWindow        time.Duration
}

const defaultQueueLimit = 64

func (c Config) withDefaults() Config {
	if !c.Strategy.Valid() {
		c.Strategy = StrategySequential
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = defaultQueueLimit
	}
	if c.MaxSimultaneous < 1 {
		c.MaxSimultaneous = 2
	}
	if c.MinVotes < 1 {
		c.MinVotes = 1
	}
	if c.VoteWindow <= 0 {
		c.VoteWindow = 15 * time.Second
	}
	return c
}

// Update kinds tell the caller which timers to arm and events to emit.
type UpdateKind string

const (
	UpdateGranted        UpdateKind = "granted"
	UpdateReleased       UpdateKind = "released"
	UpdateRevoked        UpdateKind = "revoked"
	UpdateOpenWindow     UpdateKind = "open_window"
	UpdateOpenProposal   UpdateKind = "open_proposal"
	UpdateProposalClosed UpdateKind = "proposal_closed"
)

// Revocation and proposal-close reasons carried on updates.
const (
	ReasonExpired   = "expired"
	ReasonPreempted = "preempted"
	ReasonYielded   = "yielded"
	ReasonLeft      = "left"
	ReasonApproved  = "approved"
	ReasonTimeout   = "timeout"
	ReasonWithdrawn = "withdrawn"
)

// Update is a floor change the manager asks its owner to act on. The
// manager never arms timers or emits events itself; the conversation
// loop does both from these.
type Update struct {
	Kind          UpdateKind
	ParticipantID string
	Epoch         uint64
	Reason        string
	ProposalID    string
}

// RequestOutcome reports where a turn request landed.
type RequestOutcome struct {
	State    State
	Position int // 1-based queue position, 0 when not queued
	Holders  []string
}

// HolderInfo describes one active floor holder.
type HolderInfo struct {
	ParticipantID string
	GrantedAt     time.Time
	Speaking      bool
	Epoch         uint64
}

// QueueInfo describes one waiting request.
type QueueInfo struct {
	ParticipantID     string
	Position          int
	Priority          int
	Urgency           float64
	EstimatedDuration time.Duration
	EnqueuedAt        time.Time
}

// Status is a point-in-time view of the floor.
type Status struct {
	Strategy Strategy
	Holders  []HolderInfo
	Queue    []QueueInfo
}

type grant struct {
	pid       string
	grantedAt time.Time
	epoch     uint64
	speaking  bool
}

type request struct {
	pid        string
	priority   int
	urgency    float64
	estimate   time.Duration
	enqueuedAt time.Time
}

// Manager owns the floor for a single conversation. It is not safe for
// concurrent use: the owning conversation loop is the only caller.
type Manager struct {
	cfg            Config
	alloc          allocation
	view           MemberView
	logger         *slog.Logger
	holders        []*grant
	queue          []*request
	grantProposals *proposalTable
	epoch          uint64
	lastGrantedID  string
}

func NewManager(cfg Config, view MemberView, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:            cfg,
		alloc:          allocationFor(cfg.Strategy),
		view:           view,
		logger:         logger.With("component", "turn"),
		grantProposals: newProposalTable(),
	}
}

// Strategy returns the fixed allocation strategy.
func (m *Manager) Strategy() Strategy { return m.cfg.Strategy }

// MaxTurnDuration returns the per-turn expiry, 0 for none.
func (m *Manager) MaxTurnDuration() time.Duration { return m.cfg.MaxTurnDuration }

// Request asks for the floor. Repeat requests while queued or granted
// return the current state unchanged.
func (m *Manager) Request(pid string, urgency float64, estimate time.Duration) (*RequestOutcome, []Update, error) {
	switch m.StateOf(pid) {
	case StateGranted, StateSpeaking, StateQueued:
		return m.outcomeFor(pid), nil, nil
	}

	if len(m.queue) >= m.cfg.QueueLimit {
		return nil, nil, fmt.Errorf("%w: limit %d", ErrQueueFull, m.cfg.QueueLimit)
	}

	if urgency < 0 {
		urgency = 0
	} else if urgency > 1 {
		urgency = 1
	}
	req := &request{
		pid:        pid,
		priority:   m.view.Priority(pid),
		urgency:    urgency,
		estimate:   estimate,
		enqueuedAt: time.Now(),
	}

	var updates []Update
	if m.free() == 0 {
		if victim, ok := m.alloc.preempts(m, req); ok {
			updates = append(updates, m.revoke(victim, ReasonPreempted)...)
		}
	}
	m.alloc.insert(m, req)
	updates = append(updates, m.promote()...)

	return m.outcomeFor(pid), updates, nil
}

// Cancel withdraws a queued request. Cancelling a granted turn is a
// no-op; holders release instead.
func (m *Manager) Cancel(pid string) (bool, []Update) {
	idx := m.queueIndex(pid)
	if idx < 0 {
		return false, nil
	}
	m.takeQueue(idx)
	var updates []Update
	if p, ok := m.grantProposals.cancelSubject(pid); ok {
		updates = append(updates, Update{
			Kind:          UpdateProposalClosed,
			ParticipantID: pid,
			ProposalID:    p.ID,
			Reason:        ReasonWithdrawn,
		})
	}
	m.logger.Debug("turn request withdrawn", "participant_id", pid)
	return true, updates
}

// Release gives the floor back voluntarily.
func (m *Manager) Release(pid string) ([]Update, error) {
	g, ok := m.removeHolder(pid)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not hold the floor", ErrNotYourTurn, pid)
	}
	updates := []Update{{Kind: UpdateReleased, ParticipantID: pid, Epoch: g.epoch}}
	m.logger.Debug("turn released", "participant_id", pid)
	return append(updates, m.promote()...), nil
}

// MarkSpeaking moves a granted holder to the speaking state.
func (m *Manager) MarkSpeaking(pid string) error {
	g := m.holderByID(pid)
	if g == nil {
		return fmt.Errorf("%w: %s does not hold the floor", ErrNotYourTurn, pid)
	}
	g.speaking = true
	return nil
}

// CanSpeak reports whether pid currently holds the floor.
func (m *Manager) CanSpeak(pid string) bool {
	return m.holderByID(pid) != nil
}

// StateOf reports pid's position in the turn lifecycle.
func (m *Manager) StateOf(pid string) State {
	if g := m.holderByID(pid); g != nil {
		if g.speaking {
			return StateSpeaking
		}
		return StateGranted
	}
	if m.queueIndex(pid) >= 0 {
		return StateQueued
	}
	return StateIdle
}

// HandleLeave clears every trace of a departing participant: held floor,
// queued request, and any grant vote in flight.
func (m *Manager) HandleLeave(pid string) []Update {
	var updates []Update
	if g, ok := m.removeHolder(pid); ok {
		updates = append(updates, Update{
			Kind:          UpdateReleased,
			ParticipantID: pid,
			Epoch:         g.epoch,
			Reason:        ReasonLeft,
		})
	}
	if idx := m.queueIndex(pid); idx >= 0 {
		m.takeQueue(idx)
	}
	if p, ok := m.grantProposals.cancelSubject(pid); ok {
		updates = append(updates, Update{
			Kind:          UpdateProposalClosed,
			ParticipantID: pid,
			ProposalID:    p.ID,
			Reason:        ReasonLeft,
		})
	}
	return append(updates, m.promote()...)
}

// ExpireTurn revokes a grant whose max_turn_duration elapsed. The epoch
// guard drops expirations that raced a release and regrant.
func (m *Manager) ExpireTurn(pid string, epoch uint64) []Update {
	g := m.holderByID(pid)
	if g == nil || g.epoch != epoch {
		return nil
	}
	updates := m.revoke(pid, ReasonExpired)
	return append(updates, m.promote()...)
}

// WindowClosed settles a bidding window. An empty winner means no bids
// were cast and the floor falls back to plain queue order.
func (m *Manager) WindowClosed(winnerID string) []Update {
	var updates []Update
	if winnerID != "" {
		if idx := m.queueIndex(winnerID); idx >= 0 {
			m.takeQueue(idx)
		}
		if m.free() > 0 {
			updates = append(updates, m.grantTo(winnerID))
		}
		return updates
	}
	for m.free() > 0 && len(m.queue) > 0 {
		req := m.takeQueue(0)
		updates = append(updates, m.grantTo(req.pid))
		if m.cfg.Strategy != StrategyConcurrent {
			break
		}
	}
	return updates
}

// OpenGrantProposal starts a consensus vote for a queued request. Reopen
// for the same subject returns the existing proposal.
func (m *Manager) OpenGrantProposal(pid string) (*Proposal, bool, error) {
	if m.queueIndex(pid) < 0 {
		return nil, false, fmt.Errorf("%w: %s has no queued request to vote on", ErrInvalidTransition, pid)
	}
	deadline := time.Now().Add(m.cfg.VoteWindow)
	p, fresh := m.grantProposals.open(pid, "", m.cfg.MinVotes, deadline)
	if fresh {
		m.logger.Debug("grant vote opened",
			"participant_id", pid,
			"proposal_id", p.ID,
			"min_votes", m.cfg.MinVotes)
	}
	return p, fresh, nil
}

// VoteGrant records one ballot on a grant proposal. When approvals reach
// the threshold the subject is granted immediately.
func (m *Manager) VoteGrant(proposalID, voter string, approve bool) (bool, []Update, error) {
	p, resolved, err := m.grantProposals.vote(proposalID, voter, approve)
	if err != nil {
		return false, nil, err
	}
	if !resolved {
		return false, nil, nil
	}
	updates := []Update{{
		Kind:          UpdateProposalClosed,
		ParticipantID: p.Subject,
		ProposalID:    p.ID,
		Reason:        ReasonApproved,
	}}
	if idx := m.queueIndex(p.Subject); idx >= 0 {
		m.takeQueue(idx)
	}
	if m.free() > 0 {
		updates = append(updates, m.grantTo(p.Subject))
	}
	return true, updates, nil
}

// ExpireGrantProposal denies a grant vote whose window lapsed. The
// subject's request leaves the queue; a denial is final for it.
func (m *Manager) ExpireGrantProposal(proposalID string) ([]Update, bool) {
	p, ok := m.grantProposals.expire(proposalID)
	if !ok {
		return nil, false
	}
	updates := []Update{{
		Kind:          UpdateProposalClosed,
		ParticipantID: p.Subject,
		ProposalID:    p.ID,
		Reason:        ReasonTimeout,
	}}
	if idx := m.queueIndex(p.Subject); idx >= 0 {
		m.takeQueue(idx)
	}
	return append(updates, m.promote()...), true
}

// Preempt hands the floor from holder to interruptor after a granted
// interruption. The grant bypasses the queue.
func (m *Manager) Preempt(holderID, interruptorID string) ([]Update, error) {
	if m.holderByID(interruptorID) != nil {
		return nil, fmt.Errorf("%w: %s already holds the floor", ErrInvalidTransition, interruptorID)
	}
	var updates []Update
	if m.holderByID(holderID) != nil {
		updates = append(updates, m.revoke(holderID, ReasonPreempted)...)
	}
	if idx := m.queueIndex(interruptorID); idx >= 0 {
		m.takeQueue(idx)
	}
	updates = append(updates, m.grantTo(interruptorID))
	return updates, nil
}

// AddOverlapHolder grants the floor alongside the current holders for
// conversational interruptions. Capacity is deliberately not checked.
func (m *Manager) AddOverlapHolder(pid string) ([]Update, error) {
	if m.holderByID(pid) != nil {
		return nil, fmt.Errorf("%w: %s already holds the floor", ErrInvalidTransition, pid)
	}
	if idx := m.queueIndex(pid); idx >= 0 {
		m.takeQueue(idx)
	}
	return []Update{m.grantTo(pid)}, nil
}

// ResolveOverlap ends a joint floor: every holder except the most
// recently granted one yields.
func (m *Manager) ResolveOverlap() []Update {
	if len(m.holders) <= 1 {
		return nil
	}
	keep := m.holders[0]
	for _, g := range m.holders[1:] {
		if g.epoch > keep.epoch {
			keep = g
		}
	}
	var updates []Update
	for _, g := range append([]*grant(nil), m.holders...) {
		if g != keep {
			updates = append(updates, m.revoke(g.pid, ReasonYielded)...)
		}
	}
	return updates
}

// OldestHolder returns the longest-standing floor holder.
func (m *Manager) OldestHolder() (string, bool) {
	if len(m.holders) == 0 {
		return "", false
	}
	oldest := m.holders[0]
	for _, g := range m.holders[1:] {
		if g.epoch < oldest.epoch {
			oldest = g
		}
	}
	return oldest.pid, true
}

// Holders lists the active floor holders.
func (m *Manager) Holders() []HolderInfo {
	out := make([]HolderInfo, 0, len(m.holders))
	for _, g := range m.holders {
		out = append(out, HolderInfo{
			ParticipantID: g.pid,
			GrantedAt:     g.grantedAt,
			Speaking:      g.speaking,
			Epoch:         g.epoch,
		})
	}
	return out
}

// QueueSnapshot lists the waiting requests in queue order.
func (m *Manager) QueueSnapshot() []QueueInfo {
	out := make([]QueueInfo, 0, len(m.queue))
	for i, req := range m.queue {
		out = append(out, QueueInfo{
			ParticipantID:     req.pid,
			Position:          i + 1,
			Priority:          req.priority,
			Urgency:           req.urgency,
			EstimatedDuration: req.estimate,
			EnqueuedAt:        req.enqueuedAt,
		})
	}
	return out
}

// Status reports the full floor state.
func (m *Manager) Status() Status {
	return Status{
		Strategy: m.cfg.Strategy,
		Holders:  m.Holders(),
		Queue:    m.QueueSnapshot(),
	}
}

func (m *Manager) capacity() int {
	if m.cfg.Strategy == StrategyConcurrent {
		return m.cfg.MaxSimultaneous
	}
	return 1
}

func (m *Manager) free() int {
	if n := m.capacity() - len(m.holders); n > 0 {
		return n
	}
	return 0
}

// promote advances queued requests while capacity is free. Window and
// proposal advances return immediately: their resolution re-enters the
// manager later through WindowClosed or VoteGrant.
func (m *Manager) promote() []Update {
	var updates []Update
	for m.free() > 0 && len(m.queue) > 0 {
		idx, adv := m.alloc.next(m)
		if idx < 0 {
			break
		}
		switch adv {
		case advanceGrant:
			req := m.takeQueue(idx)
			updates = append(updates, m.grantTo(req.pid))
		case advanceWindow:
			return append(updates, Update{Kind: UpdateOpenWindow})
		case advanceProposal:
			return append(updates, Update{
				Kind:          UpdateOpenProposal,
				ParticipantID: m.queue[idx].pid,
			})
		default:
			return updates
		}
	}
	return updates
}

func (m *Manager) grantTo(pid string) Update {
	m.epoch++
	m.holders = append(m.holders, &grant{
		pid:       pid,
		grantedAt: time.Now(),
		epoch:     m.epoch,
	})
	m.lastGrantedID = pid
	m.logger.Debug("turn granted", "participant_id", pid, "epoch", m.epoch)
	return Update{Kind: UpdateGranted, ParticipantID: pid, Epoch: m.epoch}
}

func (m *Manager) revoke(pid, reason string) []Update {
	g, ok := m.removeHolder(pid)
	if !ok {
		return nil
	}
	m.logger.Debug("turn revoked", "participant_id", pid, "reason", reason)
	return []Update{{
		Kind:          UpdateRevoked,
		ParticipantID: pid,
		Epoch:         g.epoch,
		Reason:        reason,
	}}
}

func (m *Manager) holderByID(pid string) *grant {
	for _, g := range m.holders {
		if g.pid == pid {
			return g
		}
	}
	return nil
}

func (m *Manager) removeHolder(pid string) (*grant, bool) {
	for i, g := range m.holders {
		if g.pid == pid {
			m.holders = append(m.holders[:i], m.holders[i+1:]...)
			return g, true
		}
	}
	return nil, false
}

func (m *Manager) queueIndex(pid string) int {
	for i, req := range m.queue {
		if req.pid == pid {
			return i
		}
	}
	return -1
}

func (m *Manager) takeQueue(idx int) *request {
	req := m.queue[idx]
	m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
	return req
}

func (m *Manager) outcomeFor(pid string) *RequestOutcome {
	out := &RequestOutcome{State: m.StateOf(pid)}
	if idx := m.queueIndex(pid); idx >= 0 {
		out.Position = idx + 1
	}
	for _, g := range m.holders {
		out.Holders = append(out.Holders, g.pid)
	}
	return out
}
