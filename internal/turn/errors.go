// ABOUTME: Sentinel errors for turn allocation, bidding, and interruption handling.
// ABOUTME: Callers match with errors.Is; messages carry retry context when wrapped.

package turn

import "errors"

var (
	// ErrNotYourTurn indicates the participant does not hold the floor.
	ErrNotYourTurn = errors.New("not your turn")

	// ErrInvalidTransition indicates the requested floor operation does not
	// apply in the current state (e.g. interrupting an empty floor).
	ErrInvalidTransition = errors.New("invalid turn transition")

	// ErrQueueFull indicates the turn queue is at its configured limit.
	ErrQueueFull = errors.New("turn queue full")

	// ErrWindowClosed indicates a bid arrived with no open window or past
	// the window deadline.
	ErrWindowClosed = errors.New("bidding window closed")

	// ErrWindowAlreadyOpen indicates an open_window call while a window is
	// still active.
	ErrWindowAlreadyOpen = errors.New("bidding window already open")

	// ErrUnknownProposal indicates a vote or answer referenced a proposal
	// that does not exist or was already resolved.
	ErrUnknownProposal = errors.New("unknown proposal")
)
