// ABOUTME: MessageStore interface and sentinels for conversation history persistence.
// ABOUTME: Implementations: SQLite for single-node hubs, Redis streams for shared ones.

package store

import (
	"context"
	"errors"

	"github.com/2389/parley-hub/internal/messaging"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// MessageStore persists accepted conversation messages keyed by
// (conversation, sequence). Sequences are assigned by the conversation
// before Append and are unique and dense within it; implementations never
// renumber.
type MessageStore interface {
	// Append stores one accepted message.
	Append(ctx context.Context, msg *messaging.Message) error

	// ReadRange returns messages with fromSeq <= sequence <= toSeq in
	// sequence order, at most limit (0 means no cap). toSeq 0 means
	// everything from fromSeq on.
	ReadRange(ctx context.Context, conversationID string, fromSeq, toSeq uint64, limit int) ([]*messaging.Message, error)

	// MaxSequence returns the highest stored sequence for a conversation,
	// 0 when it has none. Used to seed the sequence counter when a hub
	// restarts over existing history.
	MaxSequence(ctx context.Context, conversationID string) (uint64, error)

	// DeleteConversation drops a conversation's history.
	DeleteConversation(ctx context.Context, conversationID string) error

	Close() error
}
