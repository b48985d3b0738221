// ABOUTME: Sentinel errors for the connection lifecycle and resume protocol.
// ABOUTME: Session handlers map these onto wire-level error codes.

package connection

import "errors"

var (
	// ErrAuthConflict indicates the participant already has an active
	// connection and the conversation runs single-device.
	ErrAuthConflict = errors.New("participant already connected")

	// ErrResumeTokenUnknown indicates a resume token that was never
	// issued, was already consumed, or was destroyed.
	ErrResumeTokenUnknown = errors.New("resume token unknown")

	// ErrResumeTokenExpired indicates the resume window lapsed before the
	// token was used.
	ErrResumeTokenExpired = errors.New("resume token expired")

	// ErrConnNotFound indicates an operation on a connection id that is
	// not in the table.
	ErrConnNotFound = errors.New("connection not found")

	// ErrNotAuthenticated indicates an operation that requires a bound
	// participant on a connection that has not authenticated.
	ErrNotAuthenticated = errors.New("connection not authenticated")

	// ErrQueueOverflow indicates a full outbound queue. The owner reacts
	// by force-suspending the connection rather than blocking the hub.
	ErrQueueOverflow = errors.New("outbound queue overflow")

	// ErrConnClosed indicates a send on a closed connection.
	ErrConnClosed = errors.New("connection closed")
)
