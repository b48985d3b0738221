// ABOUTME: Vote-collecting proposals shared by consensus turn grants and consensus interrupts.
// ABOUTME: A proposal resolves on reaching min approvals or at its deadline, whichever first.

package turn

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Proposal is a pending question put to the conversation: may this
// participant take (or seize) the floor. Votes arrive until the deadline;
// the proposal resolves as granted the moment approvals reach MinVotes.
type Proposal struct {
	ID       string
	Subject  string // the participant asking for the floor
	Target   string // the current holder, for interrupts; empty for grants
	MinVotes int
	Deadline time.Time

	votes map[string]bool // voter id -> approve
}

// Approvals counts approving votes.
func (p *Proposal) Approvals() int {
	n := 0
	for _, approve := range p.votes {
		if approve {
			n++
		}
	}
	return n
}

// proposalTable tracks pending proposals, at most one per subject. Owned by
// the conversation loop.
type proposalTable struct {
	byID      map[string]*Proposal
	bySubject map[string]string
}

func newProposalTable() *proposalTable {
	return &proposalTable{
		byID:      make(map[string]*Proposal),
		bySubject: make(map[string]string),
	}
}

// open creates a proposal for subject, or returns the existing pending one
// so repeated requests are idempotent.
func (t *proposalTable) open(subject, target string, minVotes int, deadline time.Time) (*Proposal, bool) {
	if id, ok := t.bySubject[subject]; ok {
		return t.byID[id], false
	}
	p := &Proposal{
		ID:       uuid.New().String(),
		Subject:  subject,
		Target:   target,
		MinVotes: minVotes,
		Deadline: deadline,
		votes:    make(map[string]bool),
	}
	t.byID[p.ID] = p
	t.bySubject[subject] = p.ID
	return p, true
}

// vote records one voter's position. The subject cannot vote for itself;
// revoting replaces the earlier vote. Returns the proposal resolved=true
// (and removed) once approvals reach MinVotes.
func (t *proposalTable) vote(id, voter string, approve bool) (p *Proposal, resolved bool, err error) {
	p, ok := t.byID[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	if voter == p.Subject {
		return nil, false, fmt.Errorf("%w: subject cannot vote on its own proposal", ErrInvalidTransition)
	}

	p.votes[voter] = approve
	if p.Approvals() >= p.MinVotes {
		t.remove(p)
		return p, true, nil
	}
	return p, false, nil
}

// expire removes a proposal at its deadline. Returns false for ids already
// resolved, keeping stale timer callbacks harmless.
func (t *proposalTable) expire(id string) (*Proposal, bool) {
	p, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	t.remove(p)
	return p, true
}

// cancelSubject drops the pending proposal for a subject (withdrawal or
// leave). Returns the removed proposal, if any.
func (t *proposalTable) cancelSubject(subject string) (*Proposal, bool) {
	id, ok := t.bySubject[subject]
	if !ok {
		return nil, false
	}
	p := t.byID[id]
	t.remove(p)
	return p, true
}

func (t *proposalTable) remove(p *Proposal) {
	delete(t.byID, p.ID)
	delete(t.bySubject, p.Subject)
}

func (t *proposalTable) len() int {
	return len(t.byID)
}
