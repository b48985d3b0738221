// ABOUTME: Core message model shared by the hub, router, store, and wire sessions.
// ABOUTME: Messages are immutable once sequenced; sequence numbers are per conversation.

package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies hub traffic. Speech requires holding the floor;
// reactions and meta commentary bypass turn allocation entirely.
type MessageType string

const (
	TypeSpeech   MessageType = "speech"
	TypeReaction MessageType = "reaction"
	TypeMeta     MessageType = "meta"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeSpeech, TypeReaction, TypeMeta:
		return true
	}
	return false
}

// Message is a sequenced unit of conversation traffic. Sequence is assigned
// by the owning conversation at acceptance and is strictly increasing within
// that conversation; accepted messages are never mutated afterward.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Sequence       uint64          `json:"sequence"`
	Type           MessageType     `json:"type"`
	Topic          string          `json:"topic,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AcceptedAt     time.Time       `json:"accepted_at"`
}

// Validate checks the fields a sender controls. Sequence and AcceptedAt are
// hub-assigned and deliberately not checked here.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("message sender_id is required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Mentions extracts the optional "mentions" participant-id list from the
// payload. Returns nil when the payload has none or is not a JSON object.
func (m *Message) Mentions() []string {
	if len(m.Payload) == 0 {
		return nil
	}
	var body struct {
		Mentions []string `json:"mentions"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return nil
	}
	return body.Mentions
}
