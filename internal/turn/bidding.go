// ABOUTME: Timed auction windows for the bidding allocation strategy.
// ABOUTME: Highest urgency wins; ties break on earliest submission time.

package turn

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Bid is one participant's claim on the next turn. A participant holds at
// most one bid per window; resubmitting replaces the earlier bid and takes
// a fresh SubmittedAt.
type Bid struct {
	ParticipantID     string
	Urgency           float64
	EstimatedDuration time.Duration
	SubmittedAt       time.Time
}

// Window is a single auction. It transitions Open to Closed exactly once;
// the coordinator enforces that close runs once even when the deadline
// races a cancel.
type Window struct {
	ID       string
	OpensAt  time.Time
	ClosesAt time.Time
	bids     map[string]*Bid
}

// Receipt confirms a submitted bid.
type Receipt struct {
	WindowID    string
	SubmittedAt time.Time
	ClosesAt    time.Time
}

// Coordinator runs bidding windows for one conversation. All methods are
// called from the conversation loop; the deadline check uses the wall clock
// so a submission that lands after ClosesAt is rejected even if the close
// op has not run yet.
type Coordinator struct {
	window *Window
	logger *slog.Logger
}

// NewCoordinator creates a coordinator. Pass nil logger for default.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With("component", "bidding")}
}

// OpenWindow starts an auction lasting d. Returns ErrWindowAlreadyOpen if
// one is active; a cancelled or closed window does not block reopening.
func (c *Coordinator) OpenWindow(d time.Duration) (*Window, error) {
	if c.window != nil {
		return nil, fmt.Errorf("%w: closes at %s", ErrWindowAlreadyOpen, c.window.ClosesAt.Format(time.RFC3339))
	}

	now := time.Now()
	c.window = &Window{
		ID:       uuid.New().String(),
		OpensAt:  now,
		ClosesAt: now.Add(d),
		bids:     make(map[string]*Bid),
	}
	c.logger.Debug("bidding window opened", "window_id", c.window.ID, "closes_at", c.window.ClosesAt)
	return c.window, nil
}

// Submit records a bid in the open window, replacing any earlier bid from
// the same participant. Urgency is clamped to [0,1].
func (c *Coordinator) Submit(participantID string, urgency float64, estDur time.Duration) (*Receipt, error) {
	return c.SubmitAt(participantID, urgency, estDur, time.Now())
}

// SubmitAt is Submit with an explicit submission instant. The conversation
// uses it to carry queued requests into a freshly opened window with their
// original request times, preserving first-come tie-breaks.
func (c *Coordinator) SubmitAt(participantID string, urgency float64, estDur time.Duration, at time.Time) (*Receipt, error) {
	if c.window == nil {
		return nil, fmt.Errorf("%w: no open window", ErrWindowClosed)
	}
	if time.Now().After(c.window.ClosesAt) {
		return nil, fmt.Errorf("%w: window %s closed at %s", ErrWindowClosed, c.window.ID, c.window.ClosesAt.Format(time.RFC3339))
	}

	if urgency < 0 {
		urgency = 0
	} else if urgency > 1 {
		urgency = 1
	}

	c.window.bids[participantID] = &Bid{
		ParticipantID:     participantID,
		Urgency:           urgency,
		EstimatedDuration: estDur,
		SubmittedAt:       at,
	}
	return &Receipt{
		WindowID:    c.window.ID,
		SubmittedAt: at,
		ClosesAt:    c.window.ClosesAt,
	}, nil
}

// HasBid reports whether the participant has a bid in the open window.
// Used when folding queued turn requests into a window so an explicit bid
// is never overwritten by its queued counterpart.
func (c *Coordinator) HasBid(participantID string) bool {
	if c.window == nil {
		return false
	}
	_, ok := c.window.bids[participantID]
	return ok
}

// Withdraw removes a participant's bid from the open window. Returns false
// if there was none.
func (c *Coordinator) Withdraw(participantID string) bool {
	if c.window == nil {
		return false
	}
	if _, ok := c.window.bids[participantID]; !ok {
		return false
	}
	delete(c.window.bids, participantID)
	return true
}

// Close settles the window with the given id. Returns the winning bid, or
// nil with closed=true for a zero-bid window. A stale id (already closed or
// cancelled window) returns closed=false so timer callbacks are harmless.
func (c *Coordinator) Close(windowID string) (winner *Bid, closed bool) {
	if c.window == nil || c.window.ID != windowID {
		return nil, false
	}

	w := c.window
	c.window = nil

	for _, b := range w.bids {
		if winner == nil || better(b, winner) {
			winner = b
		}
	}

	if winner != nil {
		c.logger.Debug("bidding window closed",
			"window_id", w.ID,
			"bids", len(w.bids),
			"winner", winner.ParticipantID,
			"urgency", winner.Urgency,
		)
	} else {
		c.logger.Debug("bidding window closed with no bids", "window_id", w.ID)
	}
	return winner, true
}

// Cancel discards the open window without selecting a winner. A new window
// may be opened afterwards.
func (c *Coordinator) Cancel() bool {
	if c.window == nil {
		return false
	}
	c.logger.Debug("bidding window cancelled", "window_id", c.window.ID)
	c.window = nil
	return true
}

// Current reports the open window, if any.
func (c *Coordinator) Current() (*Window, bool) {
	if c.window == nil {
		return nil, false
	}
	return c.window, true
}

// better reports whether a beats b: higher urgency wins, equal urgency goes
// to the earlier submission, and as a final tie-break the smaller id keeps
// the outcome deterministic.
func better(a, b *Bid) bool {
	if a.Urgency != b.Urgency {
		return a.Urgency > b.Urgency
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ParticipantID < b.ParticipantID
}
