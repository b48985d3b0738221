// ABOUTME: Tests for message validation, payload mention extraction, and envelopes.
// ABOUTME: Covers type checks, malformed payloads, and id generation uniqueness.

package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_ValidateRequiresSender(t *testing.T) {
	m := &Message{Type: TypeSpeech}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender_id")
}

func TestMessage_ValidateRejectsUnknownType(t *testing.T) {
	m := &Message{SenderID: "p1", Type: "shout"}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shout")
}

func TestMessage_ValidateAcceptsAllKnownTypes(t *testing.T) {
	for _, mt := range []MessageType{TypeSpeech, TypeReaction, TypeMeta} {
		m := &Message{SenderID: "p1", Type: mt}
		assert.NoError(t, m.Validate(), "type %s", mt)
	}
}

func TestMessage_MentionsExtraction(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{"with mentions", `{"text":"hi","mentions":["p2","p3"]}`, []string{"p2", "p3"}},
		{"no mentions field", `{"text":"hi"}`, nil},
		{"empty payload", ``, nil},
		{"not an object", `"just a string"`, nil},
		{"malformed json", `{"mentions":`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Payload: json.RawMessage(tt.payload)}
			assert.Equal(t, tt.want, m.Mentions())
		})
	}
}

func TestEnvelope_SeqOnlyForMessages(t *testing.T) {
	me := NewMessageEnvelope(&Message{Sequence: 42})
	assert.Equal(t, uint64(42), me.Seq())

	ee := NewEventEnvelope(&Event{Type: EventTurnGranted})
	assert.Equal(t, uint64(0), ee.Seq())
}

func TestIDGenerator_UniqueAndOrdered(t *testing.T) {
	gen, err := NewIDGenerator(1)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for range 1000 {
		id := gen.NextMessageID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIDGenerator_RejectsOutOfRangeNode(t *testing.T) {
	_, err := NewIDGenerator(5000)
	assert.Error(t, err)
}
