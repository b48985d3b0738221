// ABOUTME: Policy arbitration for requests to pre-empt the current speaker.
// ABOUTME: Immediate policies decide inline; consensus and cooperative resolve later.

package turn

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// InterruptionPolicy selects how interrupt requests are arbitrated.
type InterruptionPolicy string

const (
	PolicyForbidden         InterruptionPolicy = "forbidden"
	PolicyPriorityBased     InterruptionPolicy = "priority_based"
	PolicyConsensusRequired InterruptionPolicy = "consensus_required"
	PolicyCooperative       InterruptionPolicy = "cooperative"
	PolicyConversational    InterruptionPolicy = "conversational"
)

// Valid reports whether p is a known policy.
func (p InterruptionPolicy) Valid() bool {
	switch p {
	case PolicyForbidden, PolicyPriorityBased, PolicyConsensusRequired,
		PolicyCooperative, PolicyConversational:
		return true
	}
	return false
}

// InterruptionConfig carries the per-policy tuning knobs. Only the fields
// for the configured policy are consulted.
type InterruptionConfig struct {
	Policy            InterruptionPolicy
	PriorityThreshold int
	MinVotes          int
	VoteWindow        time.Duration
	AskTimeout        time.Duration
	OverlapTolerance  time.Duration
}

func (c InterruptionConfig) withDefaults() InterruptionConfig {
	if c.Policy == "" {
		c.Policy = PolicyForbidden
	}
	if c.MinVotes <= 0 {
		c.MinVotes = 1
	}
	if c.VoteWindow <= 0 {
		c.VoteWindow = 15 * time.Second
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = 10 * time.Second
	}
	if c.OverlapTolerance <= 0 {
		c.OverlapTolerance = 3 * time.Second
	}
	return c
}

// Decision is the outcome of an interruption request.
type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
	DecisionPending Decision = "pending"
	DecisionOverlap Decision = "overlap"
)

// Response answers an interrupt request. Pending decisions carry the
// proposal id and deadline; overlap decisions carry how long the shared
// floor lasts before forced resolution.
type Response struct {
	Decision   Decision
	Reason     string
	ProposalID string
	ResolveBy  time.Time
	OverlapFor time.Duration
}

// VoteResult reports the effect of one vote on a pending interrupt.
type VoteResult struct {
	Resolved    bool
	Granted     bool
	Interruptor string
	Holder      string
	Approvals   int
}

// AskResult reports a cooperative ask answered by the speaker.
type AskResult struct {
	Interruptor string
	Holder      string
	Granted     bool
}

// Expired describes a pending interrupt that hit its deadline. Cooperative
// expiries are queued for the next natural transition rather than dropped.
type Expired struct {
	Policy      InterruptionPolicy
	Interruptor string
	Holder      string
}

type ask struct {
	id          string
	interruptor string
	holder      string
	deadline    time.Time
}

// Interrupter arbitrates interruption for one conversation. Owned by the
// conversation loop.
type Interrupter struct {
	cfg       InterruptionConfig
	proposals *proposalTable
	asks      map[string]*ask
	askByIntr map[string]string
	logger    *slog.Logger
}

// NewInterrupter creates an interrupter with the given policy config.
func NewInterrupter(cfg InterruptionConfig, logger *slog.Logger) *Interrupter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interrupter{
		cfg:       cfg.withDefaults(),
		proposals: newProposalTable(),
		asks:      make(map[string]*ask),
		askByIntr: make(map[string]string),
		logger:    logger.With("component", "interrupter"),
	}
}

// Policy returns the configured policy.
func (i *Interrupter) Policy() InterruptionPolicy {
	return i.cfg.Policy
}

// Request arbitrates interruptor's attempt to take the floor from holder.
// Repeating a request while one is pending returns the pending response.
func (i *Interrupter) Request(interruptor, holder string, interruptorPriority, holderPriority int) *Response {
	switch i.cfg.Policy {
	case PolicyForbidden:
		return &Response{Decision: DecisionDenied, Reason: "interruptions are forbidden in this conversation"}

	case PolicyPriorityBased:
		if interruptorPriority > holderPriority+i.cfg.PriorityThreshold {
			return &Response{Decision: DecisionGranted}
		}
		return &Response{
			Decision: DecisionDenied,
			Reason: fmt.Sprintf("priority %d does not exceed speaker priority %d by more than %d",
				interruptorPriority, holderPriority, i.cfg.PriorityThreshold),
		}

	case PolicyConsensusRequired:
		deadline := time.Now().Add(i.cfg.VoteWindow)
		p, fresh := i.proposals.open(interruptor, holder, i.cfg.MinVotes, deadline)
		if fresh {
			i.logger.Debug("interrupt proposal opened",
				"proposal_id", p.ID, "interruptor", interruptor, "holder", holder, "min_votes", p.MinVotes)
		}
		return &Response{
			Decision:   DecisionPending,
			Reason:     fmt.Sprintf("awaiting %d approving votes", p.MinVotes),
			ProposalID: p.ID,
			ResolveBy:  p.Deadline,
		}

	case PolicyCooperative:
		if id, ok := i.askByIntr[interruptor]; ok {
			a := i.asks[id]
			return &Response{
				Decision:   DecisionPending,
				Reason:     "speaker has been asked",
				ProposalID: a.id,
				ResolveBy:  a.deadline,
			}
		}
		a := &ask{
			id:          uuid.New().String(),
			interruptor: interruptor,
			holder:      holder,
			deadline:    time.Now().Add(i.cfg.AskTimeout),
		}
		i.asks[a.id] = a
		i.askByIntr[interruptor] = a.id
		i.logger.Debug("cooperative ask opened", "proposal_id", a.id, "interruptor", interruptor, "holder", holder)
		return &Response{
			Decision:   DecisionPending,
			Reason:     "speaker has been asked",
			ProposalID: a.id,
			ResolveBy:  a.deadline,
		}

	case PolicyConversational:
		return &Response{Decision: DecisionOverlap, OverlapFor: i.cfg.OverlapTolerance}

	default:
		return &Response{Decision: DecisionDenied, Reason: fmt.Sprintf("unknown policy %q", i.cfg.Policy)}
	}
}

// Vote records a vote on a consensus interrupt. The subject cannot vote on
// its own proposal; reaching MinVotes approvals resolves it as granted.
func (i *Interrupter) Vote(proposalID, voter string, approve bool) (*VoteResult, error) {
	p, resolved, err := i.proposals.vote(proposalID, voter, approve)
	if err != nil {
		return nil, err
	}
	return &VoteResult{
		Resolved:    resolved,
		Granted:     resolved,
		Interruptor: p.Subject,
		Holder:      p.Target,
		Approvals:   p.Approvals(),
	}, nil
}

// Answer settles a cooperative ask. Only the asked speaker may answer.
func (i *Interrupter) Answer(proposalID, answerer string, allow bool) (*AskResult, error) {
	a, ok := i.asks[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if answerer != a.holder {
		return nil, fmt.Errorf("%w: only the current speaker may answer", ErrInvalidTransition)
	}
	i.removeAsk(a)
	return &AskResult{Interruptor: a.interruptor, Holder: a.holder, Granted: allow}, nil
}

// Expire resolves a pending interrupt at its deadline as a denial. Returns
// false for ids already settled, keeping stale timers harmless.
func (i *Interrupter) Expire(proposalID string) (*Expired, bool) {
	if p, ok := i.proposals.expire(proposalID); ok {
		return &Expired{Policy: PolicyConsensusRequired, Interruptor: p.Subject, Holder: p.Target}, true
	}
	if a, ok := i.asks[proposalID]; ok {
		i.removeAsk(a)
		return &Expired{Policy: PolicyCooperative, Interruptor: a.interruptor, Holder: a.holder}, true
	}
	return nil, false
}

// DropParticipant clears pending state involving a departed participant.
func (i *Interrupter) DropParticipant(pid string) {
	i.proposals.cancelSubject(pid)
	for _, a := range i.asks {
		if a.interruptor == pid || a.holder == pid {
			i.removeAsk(a)
		}
	}
}

// Pending counts unresolved proposals and asks.
func (i *Interrupter) Pending() int {
	return i.proposals.len() + len(i.asks)
}

func (i *Interrupter) removeAsk(a *ask) {
	delete(i.asks, a.id)
	delete(i.askByIntr, a.interruptor)
}
