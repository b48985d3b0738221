// ABOUTME: Tests for recipient selection per strategy and per-recipient isolation.
// ABOUTME: Covers sender echo, role/topic matching, relevance scoring, overflow.

package routing

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley-hub/internal/messaging"
)

type fakeSink struct {
	delivered map[string][]*messaging.Envelope
	failWith  map[string]error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		delivered: make(map[string][]*messaging.Envelope),
		failWith:  make(map[string]error),
	}
}

func (s *fakeSink) Deliver(pid string, env *messaging.Envelope) error {
	if err, ok := s.failWith[pid]; ok {
		return err
	}
	s.delivered[pid] = append(s.delivered[pid], env)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func speechFrom(sender string) *messaging.Envelope {
	return messaging.NewMessageEnvelope(&messaging.Message{
		ID:       "msg-1",
		SenderID: sender,
		Sequence: 7,
		Type:     messaging.TypeSpeech,
	})
}

func TestBroadcastReachesEveryoneIncludingSender(t *testing.T) {
	sink := newFakeSink()
	r := NewRouter(Config{Strategy: StrategyBroadcast}, sink, testLogger())

	report := r.Route(speechFrom("agent-a"), []Recipient{
		{ParticipantID: "agent-a"},
		{ParticipantID: "agent-b"},
		{ParticipantID: "agent-c"},
	})

	assert.Equal(t, 3, report.Candidates)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b", "agent-c"}, report.Queued)
	assert.Contains(t, sink.delivered, "agent-a")
	assert.Equal(t, uint64(7), report.Sequence)
	assert.Equal(t, "msg-1", report.MessageID)
}

func TestEventsReachEveryoneRegardlessOfStrategy(t *testing.T) {
	sink := newFakeSink()
	r := NewRouter(Config{Strategy: StrategyTopicBased}, sink, testLogger())

	env := messaging.NewEventEnvelope(&messaging.Event{
		Type:          messaging.EventParticipantJoined,
		ParticipantID: "agent-c",
	})
	report := r.Route(env, []Recipient{
		{ParticipantID: "agent-a"},
		{ParticipantID: "agent-b", Topics: []string{"planning"}},
		{ParticipantID: "agent-c"},
	})

	assert.Equal(t, 3, report.Candidates)
	assert.Len(t, report.Queued, 3)
}

func TestRoleBasedMatchesAnyConfiguredRole(t *testing.T) {
	sink := newFakeSink()
	r := NewRouter(Config{
		Strategy: StrategyRoleBased,
		Roles:    []string{"reviewer", "moderator"},
	}, sink, testLogger())

	report := r.Route(speechFrom("agent-a"), []Recipient{
		{ParticipantID: "agent-b", Capabilities: []string{"reviewer", "chat"}},
		{ParticipantID: "agent-c", Capabilities: []string{"chat"}},
		{ParticipantID: "agent-d", Capabilities: []string{"moderator"}},
	})

	assert.ElementsMatch(t, []string{"agent-b", "agent-d"}, report.Queued)
}

func TestTopicBasedMatchesSubscriptions(t *testing.T) {
	sink := newFakeSink()
	r := NewRouter(Config{Strategy: StrategyTopicBased}, sink, testLogger())

	env := speechFrom("agent-a")
	env.Message.Topic = "deploys"

	report := r.Route(env, []Recipient{
		{ParticipantID: "agent-b", Topics: []string{"deploys", "oncall"}},
		{ParticipantID: "agent-c", Topics: []string{"design"}},
		{ParticipantID: "agent-d"},
	})
	assert.Equal(t, []string{"agent-b"}, report.Queued)

	// Untopiced traffic is conversation-wide.
	report = r.Route(speechFrom("agent-a"), []Recipient{
		{ParticipantID: "agent-c", Topics: []string{"design"}},
		{ParticipantID: "agent-d"},
	})
	assert.Len(t, report.Queued, 2)
}

func TestSelectiveStrategiesStillEchoSender(t *testing.T) {
	sink := newFakeSink()
	r := NewRouter(Config{Strategy: StrategyTopicBased}, sink, testLogger())

	env := speechFrom("agent-a")
	env.Message.Topic = "deploys"

	// The sender is not subscribed to its own topic; the echo arrives anyway.
	report := r.Route(env, []Recipient{
		{ParticipantID: "agent-a", Topics: []string{"design"}},
		{ParticipantID: "agent-b", Topics: []string{"deploys"}},
		{ParticipantID: "agent-c", Topics: []string{"design"}},
	})

	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, report.Queued)
}

func TestRelevanceSelectionThreshold(t *testing.T) {
	sink := newFakeSink()
	r := NewRouter(Config{Strategy: StrategyRelevance}, sink, testLogger())

	payload, err := json.Marshal(map[string]any{"mentions": []string{"agent-d"}})
	require.NoError(t, err)
	env := messaging.NewMessageEnvelope(&messaging.Message{
		ID:       "msg-2",
		SenderID: "agent-a",
		Type:     messaging.TypeSpeech,
		Topic:    "deploys",
		Payload:  payload,
	})

	report := r.Route(env, []Recipient{
		// Topic subscriber: 0.55 alone clears the threshold.
		{ParticipantID: "agent-b", Topics: []string{"deploys"}, IdleFor: 600},
		// Recently active bystander: recency alone stays below it.
		{ParticipantID: "agent-c", IdleFor: 0},
		// Mentioned but long idle: mention alone lands on the threshold.
		{ParticipantID: "agent-d", IdleFor: 600},
	})

	assert.ElementsMatch(t, []string{"agent-b", "agent-d"}, report.Queued)
}

func TestPerRecipientFailureIsolation(t *testing.T) {
	sink := newFakeSink()
	sink.failWith["agent-b"] = fmt.Errorf("enqueue: %w", ErrRecipientOverflow)
	sink.failWith["agent-c"] = ErrRecipientUnreachable
	r := NewRouter(Config{Strategy: StrategyBroadcast}, sink, testLogger())

	report := r.Route(speechFrom("agent-a"), []Recipient{
		{ParticipantID: "agent-b"},
		{ParticipantID: "agent-c"},
		{ParticipantID: "agent-d"},
	})

	assert.Equal(t, []string{"agent-d"}, report.Queued)
	assert.Equal(t, []string{"agent-b"}, report.Overflowed)
	assert.Equal(t, []string{"agent-c"}, report.Unreachable)
	assert.Equal(t, 1, report.Delivered())
}

func TestUnknownStrategyFallsBackToBroadcast(t *testing.T) {
	r := NewRouter(Config{Strategy: "telepathy"}, newFakeSink(), testLogger())
	assert.Equal(t, StrategyBroadcast, r.Strategy())
}

func TestRelevanceScoreComponents(t *testing.T) {
	msg := &messaging.Message{
		SenderID: "agent-a",
		Topic:    "deploys",
		Payload:  json.RawMessage(`{"mentions":["agent-b"]}`),
	}

	// All three components present and fresh.
	full := relevanceScore(msg, Recipient{
		ParticipantID: "agent-b",
		Topics:        []string{"deploys"},
		IdleFor:       0,
	})
	assert.InDelta(t, 1.0, full, 1e-9)

	// Half the recency horizon costs half the recency weight.
	half := relevanceScore(msg, Recipient{ParticipantID: "agent-c", IdleFor: 60})
	assert.InDelta(t, 0.10, half, 1e-9)

	// Idle beyond the horizon never goes negative.
	floor := relevanceScore(msg, Recipient{ParticipantID: "agent-c", IdleFor: 10_000})
	assert.InDelta(t, 0.0, floor, 1e-9)
}
