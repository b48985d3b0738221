// ABOUTME: Tests for interruption arbitration across all five policies.
// ABOUTME: Covers votes, cooperative asks, deadline expiry, and departures.

package turn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForbiddenPolicyDeniesEverything(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyForbidden}, testLogger())

	resp := i.Request("agent-b", "agent-a", 100, 0)
	assert.Equal(t, DecisionDenied, resp.Decision)
	assert.NotEmpty(t, resp.Reason)
}

func TestPriorityPolicyComparesAgainstThreshold(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{
		Policy:            PolicyPriorityBased,
		PriorityThreshold: 2,
	}, testLogger())

	resp := i.Request("agent-b", "agent-a", 10, 5)
	assert.Equal(t, DecisionGranted, resp.Decision)

	// Exactly threshold over is not enough; it must exceed.
	resp = i.Request("agent-b", "agent-a", 7, 5)
	assert.Equal(t, DecisionDenied, resp.Decision)
	assert.Contains(t, resp.Reason, "does not exceed")

	resp = i.Request("agent-b", "agent-a", 8, 5)
	assert.Equal(t, DecisionGranted, resp.Decision)
}

func TestConsensusPolicyResolvesOnVotes(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{
		Policy:     PolicyConsensusRequired,
		MinVotes:   2,
		VoteWindow: time.Minute,
	}, testLogger())

	resp := i.Request("agent-b", "agent-a", 0, 0)
	require.Equal(t, DecisionPending, resp.Decision)
	require.NotEmpty(t, resp.ProposalID)
	assert.True(t, resp.ResolveBy.After(time.Now()))

	// Repeating the request reuses the pending proposal.
	again := i.Request("agent-b", "agent-a", 0, 0)
	assert.Equal(t, resp.ProposalID, again.ProposalID)
	assert.Equal(t, 1, i.Pending())

	res, err := i.Vote(resp.ProposalID, "agent-c", true)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Equal(t, 1, res.Approvals)

	res, err = i.Vote(resp.ProposalID, "agent-d", true)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.True(t, res.Granted)
	assert.Equal(t, "agent-b", res.Interruptor)
	assert.Equal(t, "agent-a", res.Holder)
	assert.Equal(t, 2, res.Approvals)
	assert.Equal(t, 0, i.Pending())
}

func TestConsensusSubjectCannotVoteForItself(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyConsensusRequired, MinVotes: 1}, testLogger())

	resp := i.Request("agent-b", "agent-a", 0, 0)
	require.Equal(t, DecisionPending, resp.Decision)

	_, err := i.Vote(resp.ProposalID, "agent-b", true)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = i.Vote("no-such-proposal", "agent-c", true)
	require.ErrorIs(t, err, ErrUnknownProposal)
}

func TestConsensusDisapprovalsNeverResolve(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyConsensusRequired, MinVotes: 1}, testLogger())

	resp := i.Request("agent-b", "agent-a", 0, 0)
	require.Equal(t, DecisionPending, resp.Decision)

	res, err := i.Vote(resp.ProposalID, "agent-c", false)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Equal(t, 0, res.Approvals)
}

func TestConsensusExpiryDenies(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyConsensusRequired, MinVotes: 3}, testLogger())

	resp := i.Request("agent-b", "agent-a", 0, 0)
	require.Equal(t, DecisionPending, resp.Decision)

	exp, ok := i.Expire(resp.ProposalID)
	require.True(t, ok)
	assert.Equal(t, PolicyConsensusRequired, exp.Policy)
	assert.Equal(t, "agent-b", exp.Interruptor)
	assert.Equal(t, "agent-a", exp.Holder)

	_, ok = i.Expire(resp.ProposalID)
	assert.False(t, ok)
}

func TestCooperativeAskAnsweredBySpeaker(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyCooperative}, testLogger())

	resp := i.Request("agent-b", "agent-a", 0, 0)
	require.Equal(t, DecisionPending, resp.Decision)
	require.NotEmpty(t, resp.ProposalID)

	// Only the asked speaker may answer.
	_, err := i.Answer(resp.ProposalID, "agent-c", true)
	require.ErrorIs(t, err, ErrInvalidTransition)

	res, err := i.Answer(resp.ProposalID, "agent-a", true)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, "agent-b", res.Interruptor)
	assert.Equal(t, 0, i.Pending())

	_, err = i.Answer(resp.ProposalID, "agent-a", true)
	require.ErrorIs(t, err, ErrUnknownProposal)
}

func TestCooperativeRepeatRequestReusesAsk(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyCooperative}, testLogger())

	first := i.Request("agent-b", "agent-a", 0, 0)
	second := i.Request("agent-b", "agent-a", 0, 0)
	assert.Equal(t, first.ProposalID, second.ProposalID)
	assert.Equal(t, 1, i.Pending())
}

func TestCooperativeTimeoutDenies(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyCooperative, AskTimeout: time.Minute}, testLogger())

	resp := i.Request("agent-b", "agent-a", 0, 0)
	require.Equal(t, DecisionPending, resp.Decision)

	exp, ok := i.Expire(resp.ProposalID)
	require.True(t, ok)
	assert.Equal(t, PolicyCooperative, exp.Policy)
	assert.Equal(t, "agent-b", exp.Interruptor)
	assert.Equal(t, "agent-a", exp.Holder)
	assert.Equal(t, 0, i.Pending())
}

func TestConversationalPolicyGrantsOverlap(t *testing.T) {
	tolerance := 5 * time.Second
	i := NewInterrupter(InterruptionConfig{
		Policy:           PolicyConversational,
		OverlapTolerance: tolerance,
	}, testLogger())

	resp := i.Request("agent-b", "agent-a", 0, 0)
	assert.Equal(t, DecisionOverlap, resp.Decision)
	assert.Equal(t, tolerance, resp.OverlapFor)
}

func TestDropParticipantClearsPendingState(t *testing.T) {
	i := NewInterrupter(InterruptionConfig{Policy: PolicyCooperative}, testLogger())

	i.Request("agent-b", "agent-a", 0, 0)
	i.Request("agent-c", "agent-a", 0, 0)
	require.Equal(t, 2, i.Pending())

	// The speaker leaving clears every ask aimed at it.
	i.DropParticipant("agent-a")
	assert.Equal(t, 0, i.Pending())
}
