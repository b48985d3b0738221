// ABOUTME: Control-plane events fanned out to every authenticated connection.
// ABOUTME: Events announce membership and floor changes; they are never sequenced or replayed.

package messaging

import "time"

// EventType enumerates the control events a conversation emits.
type EventType string

const (
	EventParticipantJoined    EventType = "participant_joined"
	EventParticipantLeft      EventType = "participant_left"
	EventPresenceChanged      EventType = "presence_changed"
	EventTurnGranted          EventType = "turn_granted"
	EventTurnReleased         EventType = "turn_released"
	EventTurnRevoked          EventType = "turn_revoked"
	EventBiddingOpened        EventType = "bidding_opened"
	EventBiddingClosed        EventType = "bidding_closed"
	EventVoteRequested        EventType = "vote_requested"
	EventVoteClosed           EventType = "vote_closed"
	EventInterruptionResolved EventType = "interruption_resolved"
	EventConversationClosing  EventType = "conversation_closing"
)

// Event describes a state change in a conversation. Unlike messages, events
// carry no sequence number: a resumed connection reconstructs current state
// from the snapshot in its resume result, not from event replay.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id,omitempty"`
	// Detail carries event-specific context: the presence value for
	// presence_changed, the outcome for interruption_resolved, the
	// window id for bidding events.
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
