// ABOUTME: Tests for the floor state machine across all six allocation strategies.
// ABOUTME: Covers grants, queueing, expiry, preemption, overlap, and vote flows.

package turn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-hub/internal/participant"
)

type fakeView struct {
	priorities map[string]int
	presence   map[string]participant.Presence
	order      []string
}

func (v *fakeView) Priority(id string) int { return v.priorities[id] }

func (v *fakeView) PresenceOf(id string) participant.Presence {
	if p, ok := v.presence[id]; ok {
		return p
	}
	return participant.PresenceActive
}

func (v *fakeView) JoinOrder() []string { return v.order }

func newTestManager(cfg Config, view MemberView) *Manager {
	if view == nil {
		view = &fakeView{}
	}
	return NewManager(cfg, view, testLogger())
}

func updateKinds(updates []Update) []UpdateKind {
	kinds := make([]UpdateKind, 0, len(updates))
	for _, u := range updates {
		kinds = append(kinds, u.Kind)
	}
	return kinds
}

func findUpdate(updates []Update, kind UpdateKind) (Update, bool) {
	for _, u := range updates {
		if u.Kind == kind {
			return u, true
		}
	}
	return Update{}, false
}

func TestSequentialFirstComeFirstServed(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	out, updates, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, out.State)
	require.Equal(t, []UpdateKind{UpdateGranted}, updateKinds(updates))

	out, updates, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, out.State)
	assert.Equal(t, 1, out.Position)
	assert.Empty(t, updates)

	out, _, err = m.Request("agent-c", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Position)

	// Never more than one holder under sequential.
	assert.Len(t, m.Holders(), 1)

	updates, err = m.Release("agent-a")
	require.NoError(t, err)
	assert.Equal(t, []UpdateKind{UpdateReleased, UpdateGranted}, updateKinds(updates))
	assert.Equal(t, StateGranted, m.StateOf("agent-b"))
	assert.Equal(t, StateIdle, m.StateOf("agent-a"))
}

func TestRequestIdempotentWhileQueuedOrGranted(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)

	out, updates, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, out.State)
	assert.Empty(t, updates)

	out, updates, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, out.State)
	assert.Equal(t, 1, out.Position)
	assert.Empty(t, updates)
	assert.Len(t, m.QueueSnapshot(), 1)
}

func TestQueueLimit(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential, QueueLimit: 2}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-c", 0, 0)
	require.NoError(t, err)

	_, _, err = m.Request("agent-d", 0, 0)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestCancelWithdrawsQueuedOnly(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)

	withdrawn, _ := m.Cancel("agent-b")
	assert.True(t, withdrawn)
	withdrawn, _ = m.Cancel("agent-b")
	assert.False(t, withdrawn)

	// A holder cannot cancel; it must release.
	withdrawn, _ = m.Cancel("agent-a")
	assert.False(t, withdrawn)
	assert.Equal(t, StateGranted, m.StateOf("agent-a"))

	updates, err := m.Release("agent-a")
	require.NoError(t, err)
	assert.Equal(t, []UpdateKind{UpdateReleased}, updateKinds(updates))
}

func TestReleaseWithoutFloorFails(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	_, err := m.Release("agent-a")
	require.ErrorIs(t, err, ErrNotYourTurn)
}

func TestMarkSpeaking(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	require.ErrorIs(t, m.MarkSpeaking("agent-a"), ErrNotYourTurn)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	require.NoError(t, m.MarkSpeaking("agent-a"))
	assert.Equal(t, StateSpeaking, m.StateOf("agent-a"))
	assert.True(t, m.CanSpeak("agent-a"))
	assert.False(t, m.CanSpeak("agent-b"))
}

func TestTurnExpiryPromotesNextInQueue(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential, MaxTurnDuration: 5 * time.Second}, nil)

	_, updates, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	granted, ok := findUpdate(updates, UpdateGranted)
	require.True(t, ok)

	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)

	updates = m.ExpireTurn("agent-a", granted.Epoch)
	require.Equal(t, []UpdateKind{UpdateRevoked, UpdateGranted}, updateKinds(updates))
	revoked, _ := findUpdate(updates, UpdateRevoked)
	assert.Equal(t, "agent-a", revoked.ParticipantID)
	assert.Equal(t, ReasonExpired, revoked.Reason)
	assert.Equal(t, StateGranted, m.StateOf("agent-b"))
}

func TestStaleExpiryIgnored(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	_, updates, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	first, _ := findUpdate(updates, UpdateGranted)

	_, err = m.Release("agent-a")
	require.NoError(t, err)
	_, _, err = m.Request("agent-a", 0, 0)
	require.NoError(t, err)

	// Timer from the first grant fires after the regrant: dropped.
	assert.Empty(t, m.ExpireTurn("agent-a", first.Epoch))
	assert.Equal(t, StateGranted, m.StateOf("agent-a"))
}

func TestHandleLeaveFreesFloorAndQueue(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-c", 0, 0)
	require.NoError(t, err)

	updates := m.HandleLeave("agent-a")
	require.Equal(t, []UpdateKind{UpdateReleased, UpdateGranted}, updateKinds(updates))
	released, _ := findUpdate(updates, UpdateReleased)
	assert.Equal(t, ReasonLeft, released.Reason)
	assert.Equal(t, StateGranted, m.StateOf("agent-b"))

	// A queued participant leaving just drops out of line.
	assert.Empty(t, m.HandleLeave("agent-c"))
	assert.Len(t, m.QueueSnapshot(), 0)

	assert.Empty(t, m.HandleLeave("never-joined"))
}

func TestPriorityQueueOrdering(t *testing.T) {
	view := &fakeView{priorities: map[string]int{
		"agent-a": 1, "agent-b": 5, "agent-c": 3, "agent-d": 3,
	}}
	m := newTestManager(Config{Strategy: StrategyPriority, PriorityThreshold: 10}, view)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-c", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-d", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)

	queue := m.QueueSnapshot()
	require.Len(t, queue, 3)
	assert.Equal(t, "agent-b", queue[0].ParticipantID)
	// Equal priorities keep first-come order.
	assert.Equal(t, "agent-c", queue[1].ParticipantID)
	assert.Equal(t, "agent-d", queue[2].ParticipantID)

	_, err = m.Release("agent-a")
	require.NoError(t, err)
	assert.Equal(t, StateGranted, m.StateOf("agent-b"))
}

func TestPriorityPreemptsBeyondThreshold(t *testing.T) {
	view := &fakeView{priorities: map[string]int{
		"agent-low": 1, "agent-mid": 3, "agent-high": 9,
	}}
	m := newTestManager(Config{Strategy: StrategyPriority, PriorityThreshold: 2}, view)

	_, _, err := m.Request("agent-low", 0, 0)
	require.NoError(t, err)

	// 3 > 1+2 is false: queued, not preempting.
	out, updates, err := m.Request("agent-mid", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, out.State)
	assert.Empty(t, updates)

	out, updates, err = m.Request("agent-high", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, out.State)
	require.Equal(t, []UpdateKind{UpdateRevoked, UpdateGranted}, updateKinds(updates))
	revoked, _ := findUpdate(updates, UpdateRevoked)
	assert.Equal(t, "agent-low", revoked.ParticipantID)
	assert.Equal(t, ReasonPreempted, revoked.Reason)
}

func TestRoundRobinRotatesInJoinOrder(t *testing.T) {
	view := &fakeView{order: []string{"agent-a", "agent-b", "agent-c"}}
	m := newTestManager(Config{Strategy: StrategyRoundRobin}, view)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-c", 0, 0)
	require.NoError(t, err)

	_, err = m.Release("agent-a")
	require.NoError(t, err)
	require.Equal(t, StateGranted, m.StateOf("agent-b"))

	_, _, err = m.Request("agent-a", 0, 0)
	require.NoError(t, err)

	_, err = m.Release("agent-b")
	require.NoError(t, err)
	require.Equal(t, StateGranted, m.StateOf("agent-c"))

	_, err = m.Release("agent-c")
	require.NoError(t, err)
	require.Equal(t, StateGranted, m.StateOf("agent-a"))
}

func TestRoundRobinSkipsIdleMembers(t *testing.T) {
	view := &fakeView{
		order:    []string{"agent-a", "agent-b", "agent-c"},
		presence: map[string]participant.Presence{"agent-b": participant.PresenceIdle},
	}
	m := newTestManager(Config{Strategy: StrategyRoundRobin, SkipIdle: true}, view)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-c", 0, 0)
	require.NoError(t, err)

	_, err = m.Release("agent-a")
	require.NoError(t, err)
	assert.Equal(t, StateGranted, m.StateOf("agent-c"))

	// Only idle members remain: serve them rather than stall.
	_, err = m.Release("agent-c")
	require.NoError(t, err)
	assert.Equal(t, StateGranted, m.StateOf("agent-b"))
}

func TestBiddingOpensWindowOnFreeFloor(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategyBidding}, nil)

	out, updates, err := m.Request("agent-a", 0.4, 0)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, out.State)
	_, ok := findUpdate(updates, UpdateOpenWindow)
	require.True(t, ok)
	assert.Empty(t, m.Holders())

	// The window close settles the floor.
	updates = m.WindowClosed("agent-a")
	require.Equal(t, []UpdateKind{UpdateGranted}, updateKinds(updates))
	assert.Equal(t, StateGranted, m.StateOf("agent-a"))

	// The next release starts the next auction.
	_, _, err = m.Request("agent-b", 0.8, 0)
	require.NoError(t, err)
	updates, err = m.Release("agent-a")
	require.NoError(t, err)
	assert.Equal(t, []UpdateKind{UpdateReleased, UpdateOpenWindow}, updateKinds(updates))
}

func TestBiddingFallsBackToQueueOrder(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategyBidding}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)

	// Nobody bid before the window closed: first in line gets the turn.
	updates := m.WindowClosed("")
	require.Equal(t, []UpdateKind{UpdateGranted}, updateKinds(updates))
	assert.Equal(t, StateGranted, m.StateOf("agent-a"))
	assert.Equal(t, StateQueued, m.StateOf("agent-b"))
}

func TestConsensusGrantNeedsVotes(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategyConsensus, MinVotes: 1, VoteWindow: time.Minute}, nil)

	out, updates, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, out.State)
	proposalReq, ok := findUpdate(updates, UpdateOpenProposal)
	require.True(t, ok)
	assert.Equal(t, "agent-a", proposalReq.ParticipantID)

	p, fresh, err := m.OpenGrantProposal("agent-a")
	require.NoError(t, err)
	require.True(t, fresh)

	again, fresh, err := m.OpenGrantProposal("agent-a")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, p.ID, again.ID)

	_, _, err = m.VoteGrant(p.ID, "agent-a", true)
	require.ErrorIs(t, err, ErrInvalidTransition)

	resolved, updates, err := m.VoteGrant(p.ID, "agent-b", true)
	require.NoError(t, err)
	require.True(t, resolved)
	require.Equal(t, []UpdateKind{UpdateProposalClosed, UpdateGranted}, updateKinds(updates))
	closedUp, _ := findUpdate(updates, UpdateProposalClosed)
	assert.Equal(t, ReasonApproved, closedUp.Reason)
	assert.Equal(t, StateGranted, m.StateOf("agent-a"))
	assert.Empty(t, m.QueueSnapshot())
}

func TestConsensusProposalNeedsQueuedRequest(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategyConsensus}, nil)

	_, _, err := m.OpenGrantProposal("agent-a")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = m.VoteGrant("no-such-proposal", "agent-b", true)
	require.ErrorIs(t, err, ErrUnknownProposal)
}

func TestConsensusExpiryDropsRequestAndMovesOn(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategyConsensus, MinVotes: 2}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)

	p, _, err := m.OpenGrantProposal("agent-a")
	require.NoError(t, err)

	updates, ok := m.ExpireGrantProposal(p.ID)
	require.True(t, ok)
	kinds := updateKinds(updates)
	require.Contains(t, kinds, UpdateProposalClosed)
	closedUp, _ := findUpdate(updates, UpdateProposalClosed)
	assert.Equal(t, ReasonTimeout, closedUp.Reason)

	// Denial is final for agent-a; the next request goes to a vote.
	assert.Equal(t, StateIdle, m.StateOf("agent-a"))
	next, ok := findUpdate(updates, UpdateOpenProposal)
	require.True(t, ok)
	assert.Equal(t, "agent-b", next.ParticipantID)

	_, ok = m.ExpireGrantProposal(p.ID)
	assert.False(t, ok)
}

func TestConcurrentBoundedByMaxSimultaneous(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategyConcurrent, MaxSimultaneous: 2}, nil)

	out, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, out.State)

	out, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, out.State)

	out, _, err = m.Request("agent-c", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, out.State)
	assert.Len(t, m.Holders(), 2)

	updates, err := m.Release("agent-a")
	require.NoError(t, err)
	assert.Equal(t, []UpdateKind{UpdateReleased, UpdateGranted}, updateKinds(updates))
	assert.Equal(t, StateGranted, m.StateOf("agent-c"))
	assert.Len(t, m.Holders(), 2)
}

func TestOverlapSharesFloorThenOldestYields(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)

	updates, err := m.AddOverlapHolder("agent-b")
	require.NoError(t, err)
	require.Equal(t, []UpdateKind{UpdateGranted}, updateKinds(updates))
	assert.True(t, m.CanSpeak("agent-a"))
	assert.True(t, m.CanSpeak("agent-b"))

	_, err = m.AddOverlapHolder("agent-b")
	require.ErrorIs(t, err, ErrInvalidTransition)

	oldest, ok := m.OldestHolder()
	require.True(t, ok)
	assert.Equal(t, "agent-a", oldest)

	updates = m.ResolveOverlap()
	require.Equal(t, []UpdateKind{UpdateRevoked}, updateKinds(updates))
	revoked, _ := findUpdate(updates, UpdateRevoked)
	assert.Equal(t, "agent-a", revoked.ParticipantID)
	assert.Equal(t, ReasonYielded, revoked.Reason)
	assert.False(t, m.CanSpeak("agent-a"))
	assert.True(t, m.CanSpeak("agent-b"))

	// A lone holder has nothing to resolve.
	assert.Empty(t, m.ResolveOverlap())
}

func TestPreemptHandsFloorToInterruptor(t *testing.T) {
	m := newTestManager(Config{Strategy: StrategySequential}, nil)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0, 0)
	require.NoError(t, err)

	updates, err := m.Preempt("agent-a", "agent-b")
	require.NoError(t, err)
	require.Equal(t, []UpdateKind{UpdateRevoked, UpdateGranted}, updateKinds(updates))
	assert.Equal(t, StateGranted, m.StateOf("agent-b"))
	assert.Equal(t, StateIdle, m.StateOf("agent-a"))
	assert.Empty(t, m.QueueSnapshot())

	_, err = m.Preempt("agent-x", "agent-b")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStatusSnapshot(t *testing.T) {
	view := &fakeView{priorities: map[string]int{"agent-b": 7}}
	m := newTestManager(Config{Strategy: StrategySequential}, view)

	_, _, err := m.Request("agent-a", 0, 0)
	require.NoError(t, err)
	_, _, err = m.Request("agent-b", 0.6, 30*time.Second)
	require.NoError(t, err)

	st := m.Status()
	assert.Equal(t, StrategySequential, st.Strategy)
	require.Len(t, st.Holders, 1)
	assert.Equal(t, "agent-a", st.Holders[0].ParticipantID)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, "agent-b", st.Queue[0].ParticipantID)
	assert.Equal(t, 1, st.Queue[0].Position)
	assert.Equal(t, 7, st.Queue[0].Priority)
	assert.Equal(t, 0.6, st.Queue[0].Urgency)
	assert.Equal(t, 30*time.Second, st.Queue[0].EstimatedDuration)
}
