// ABOUTME: The six turn allocation strategies behind the floor state machine.
// ABOUTME: Strategies order the queue and pick who advances when capacity frees.

package turn

import "github.com/2389/parley-hub/internal/participant"

// Strategy names a turn allocation algorithm. One strategy is fixed per
// conversation at creation; strategies are never mixed.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyBidding    Strategy = "bidding"
	StrategyPriority   Strategy = "priority"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyConsensus  Strategy = "consensus"
	StrategyConcurrent Strategy = "concurrent"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyBidding, StrategyPriority,
		StrategyRoundRobin, StrategyConsensus, StrategyConcurrent:
		return true
	}
	return false
}

// advance is how a queued request moves toward the floor.
type advance int

const (
	advanceNone     advance = iota
	advanceGrant            // grant the picked request directly
	advanceWindow           // open a bidding window; the close settles it
	advanceProposal         // put the picked request to a vote
)

// allocation is the strategy hook set consulted by the Manager. The
// Manager owns the queue; strategies only order it and pick from it.
type allocation interface {
	// insert places req into m.queue respecting strategy order.
	insert(m *Manager, req *request)
	// next picks the queue index to advance when capacity is free,
	// with the advance mode. Index -1 means nothing advances now.
	next(m *Manager) (int, advance)
	// preempts reports whether req may displace an active holder, and
	// which one. Only the priority strategy ever preempts.
	preempts(m *Manager, req *request) (holderID string, ok bool)
}

func allocationFor(s Strategy) allocation {
	switch s {
	case StrategyBidding:
		return biddingAlloc{}
	case StrategyPriority:
		return priorityAlloc{}
	case StrategyRoundRobin:
		return roundRobinAlloc{}
	case StrategyConsensus:
		return consensusAlloc{}
	case StrategyConcurrent:
		return concurrentAlloc{}
	default:
		return sequentialAlloc{}
	}
}

// fifoAlloc is the shared append-and-take-head behavior.
type fifoAlloc struct{}

func (fifoAlloc) insert(m *Manager, req *request) {
	m.queue = append(m.queue, req)
}

func (fifoAlloc) next(m *Manager) (int, advance) {
	if len(m.queue) == 0 {
		return -1, advanceNone
	}
	return 0, advanceGrant
}

func (fifoAlloc) preempts(*Manager, *request) (string, bool) {
	return "", false
}

// sequentialAlloc: strict FIFO, one holder, max_turn_duration per turn.
type sequentialAlloc struct{ fifoAlloc }

// concurrentAlloc: FIFO but the Manager grants until max_simultaneous.
type concurrentAlloc struct{ fifoAlloc }

// biddingAlloc: a free floor starts an auction instead of granting; queued
// requests become bids and the window close picks the winner.
type biddingAlloc struct{ fifoAlloc }

func (biddingAlloc) next(m *Manager) (int, advance) {
	if len(m.queue) == 0 {
		return -1, advanceNone
	}
	return 0, advanceWindow
}

// consensusAlloc: the head request advances only through a vote.
type consensusAlloc struct{ fifoAlloc }

func (consensusAlloc) next(m *Manager) (int, advance) {
	if len(m.queue) == 0 {
		return -1, advanceNone
	}
	return 0, advanceProposal
}

// priorityAlloc: queue ordered by priority (FIFO within equal priority);
// a sufficiently higher-priority request preempts the active holder.
type priorityAlloc struct{ fifoAlloc }

func (priorityAlloc) insert(m *Manager, req *request) {
	at := len(m.queue)
	for i, q := range m.queue {
		if req.priority > q.priority {
			at = i
			break
		}
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[at+1:], m.queue[at:])
	m.queue[at] = req
}

func (priorityAlloc) preempts(m *Manager, req *request) (string, bool) {
	victim := ""
	lowest := 0
	for _, g := range m.holders {
		p := m.view.Priority(g.pid)
		if victim == "" || p < lowest {
			victim = g.pid
			lowest = p
		}
	}
	if victim == "" {
		return "", false
	}
	if req.priority > lowest+m.cfg.PriorityThreshold {
		return victim, true
	}
	return "", false
}

// roundRobinAlloc: eligibility rotates through members in join order,
// starting after the previous grantee; non-active members are skipped when
// SkipIdle is set, falling back to plain FIFO if that skips everyone.
type roundRobinAlloc struct{ fifoAlloc }

func (roundRobinAlloc) next(m *Manager) (int, advance) {
	if len(m.queue) == 0 {
		return -1, advanceNone
	}

	order := m.view.JoinOrder()
	if len(order) == 0 {
		return 0, advanceGrant
	}

	start := 0
	for i, id := range order {
		if id == m.lastGrantedID {
			start = i + 1
			break
		}
	}

	if idx := scanRotation(m, order, start, m.cfg.SkipIdle); idx >= 0 {
		return idx, advanceGrant
	}
	if m.cfg.SkipIdle {
		// Everyone eligible is idle: serve the queue anyway.
		if idx := scanRotation(m, order, start, false); idx >= 0 {
			return idx, advanceGrant
		}
	}
	return 0, advanceGrant
}

func scanRotation(m *Manager, order []string, start int, skipIdle bool) int {
	for i := range order {
		cand := order[(start+i)%len(order)]
		qi := m.queueIndex(cand)
		if qi < 0 {
			continue
		}
		if skipIdle && m.view.PresenceOf(cand) != participant.PresenceActive {
			continue
		}
		return qi
	}
	return -1
}
