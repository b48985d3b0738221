// ABOUTME: Envelope is the single unit written to a connection outbound queue.
// ABOUTME: Wraps either a sequenced message or an unsequenced control event.

package messaging

// EnvelopeKind discriminates the envelope payload.
type EnvelopeKind string

const (
	EnvelopeMessage EnvelopeKind = "message"
	EnvelopeEvent   EnvelopeKind = "event"
)

// Envelope is what travels down a connection. Exactly one of Message or
// Event is set, matching Kind.
type Envelope struct {
	Kind    EnvelopeKind `json:"kind"`
	Message *Message     `json:"message,omitempty"`
	Event   *Event       `json:"event,omitempty"`
}

// NewMessageEnvelope wraps a sequenced message for delivery.
func NewMessageEnvelope(m *Message) *Envelope {
	return &Envelope{Kind: EnvelopeMessage, Message: m}
}

// NewEventEnvelope wraps a control event for delivery.
func NewEventEnvelope(e *Event) *Envelope {
	return &Envelope{Kind: EnvelopeEvent, Event: e}
}

// Seq returns the message sequence, or 0 for event envelopes. Delivery
// cursors only advance on message envelopes.
func (e *Envelope) Seq() uint64 {
	if e.Kind == EnvelopeMessage && e.Message != nil {
		return e.Message.Sequence
	}
	return 0
}
