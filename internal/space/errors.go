// ABOUTME: Sentinel errors for conversation space lifecycle and lookup.
// ABOUTME: Component-level errors (turn, connection, membership) live in their packages.

package space

import "errors"

var (
	// ErrSpaceClosed indicates an operation arrived after Close.
	ErrSpaceClosed = errors.New("conversation space closed")

	// ErrUnknownConversation indicates no space exists for the id.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrConversationExists indicates a create for an id already in use.
	ErrConversationExists = errors.New("conversation already exists")
)
