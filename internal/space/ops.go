// ABOUTME: Public operations of a conversation space, each serialized on the loop.
// ABOUTME: Membership, speech, turn allocation, bidding, interruption, and resume.

package space

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/parley-hub/internal/connection"
	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/participant"
	"github.com/2389/parley-hub/internal/routing"
	"github.com/2389/parley-hub/internal/transport"
	"github.com/2389/parley-hub/internal/turn"
)

// Join admits a participant and announces it. Duplicate ids fail with
// participant.ErrDuplicateParticipant.
func (s *Space) Join(p *participant.Participant) error {
	var opErr error
	if err := s.do(func() { opErr = s.join(p) }); err != nil {
		return err
	}
	return opErr
}

func (s *Space) join(p *participant.Participant) error {
	if err := s.registry.Join(p); err != nil {
		return err
	}
	s.emptySince = time.Time{}
	s.emit(&messaging.Event{
		Type:          messaging.EventParticipantJoined,
		ParticipantID: p.ID,
		Detail:        string(p.Kind),
	})
	return nil
}

// Leave removes a participant. Idempotent: leaving twice is not an error.
// The turn manager is told first, then the connection table, then the
// registry entry goes, all before Leave returns.
func (s *Space) Leave(pid string) error {
	return s.do(func() { s.leave(pid, "left") })
}

func (s *Space) leave(pid, why string) {
	if !s.registry.Has(pid) {
		return
	}

	updates := s.turns.HandleLeave(pid)
	s.interrupts.DropParticipant(pid)
	s.bidding.Withdraw(pid)
	s.cancelTurnTimer(pid)
	s.conns.ForceCloseParticipant(pid)
	s.registry.Leave(pid)
	delete(s.topics, pid)

	// Cause before effect: observers see the departure first, then the
	// reallocation it triggered.
	s.emit(&messaging.Event{
		Type:          messaging.EventParticipantLeft,
		ParticipantID: pid,
		Detail:        why,
	})
	s.applyUpdates(updates)
	if s.registry.Len() == 0 {
		s.emptySince = time.Now()
	}
}

// Heartbeat records liveness. Cheap enough to skip the loop: the registry
// takes its own lock.
func (s *Space) Heartbeat(pid string) {
	s.registry.Touch(pid)
}

// Member reports current membership.
func (s *Space) Member(pid string) bool {
	return s.registry.Has(pid)
}

// Participants lists current members.
func (s *Space) Participants() []*participant.Participant {
	return s.registry.List()
}

// SetPresence applies an explicit presence change and announces it.
func (s *Space) SetPresence(pid string, presence participant.Presence) error {
	var opErr error
	if err := s.do(func() {
		opErr = s.registry.UpdatePresence(pid, presence)
		if opErr == nil {
			s.emit(&messaging.Event{
				Type:          messaging.EventPresenceChanged,
				ParticipantID: pid,
				Detail:        string(presence),
			})
		}
	}); err != nil {
		return err
	}
	return opErr
}

// SendRequest is the sender-controlled part of a message.
type SendRequest struct {
	Type    messaging.MessageType
	Topic   string
	Payload json.RawMessage
}

// Send accepts a message, assigns its sequence, and fans it out. Speech
// requires holding the floor; reactions and meta traffic bypass turn
// allocation.
func (s *Space) Send(pid string, req SendRequest) (*routing.Report, error) {
	var (
		report *routing.Report
		opErr  error
	)
	if err := s.do(func() { report, opErr = s.send(pid, req) }); err != nil {
		return nil, err
	}
	return report, opErr
}

func (s *Space) send(pid string, req SendRequest) (*routing.Report, error) {
	if !s.registry.Has(pid) {
		return nil, fmt.Errorf("%w: %s", participant.ErrUnknownParticipant, pid)
	}

	msg := &messaging.Message{
		SenderID: pid,
		Type:     req.Type,
		Topic:    req.Topic,
		Payload:  req.Payload,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if msg.Type == messaging.TypeSpeech {
		if !s.turns.CanSpeak(pid) {
			return nil, fmt.Errorf("%w: %s", turn.ErrNotYourTurn, pid)
		}
		if s.turns.StateOf(pid) == turn.StateGranted {
			_ = s.turns.MarkSpeaking(pid)
		}
	}

	s.seq++
	msg.ID = s.ids.NextMessageID()
	msg.ConversationID = s.ID
	msg.Sequence = s.seq
	msg.AcceptedAt = time.Now()

	s.hist.append(msg)
	s.persist.enqueue(msg)
	s.registry.Touch(pid)

	s.sink.reset()
	report := s.router.Route(messaging.NewMessageEnvelope(msg), s.recipients())
	s.suspendOverflowed()
	s.stats.messages++
	return report, nil
}

// RequestTurn asks for the floor. Idempotent while queued or granted.
func (s *Space) RequestTurn(pid string, urgency float64, estimate time.Duration) (*turn.RequestOutcome, error) {
	var (
		out   *turn.RequestOutcome
		opErr error
	)
	if err := s.do(func() {
		if !s.registry.Has(pid) {
			opErr = fmt.Errorf("%w: %s", participant.ErrUnknownParticipant, pid)
			return
		}
		var updates []turn.Update
		out, updates, opErr = s.turns.Request(pid, urgency, estimate)
		s.applyUpdates(updates)
	}); err != nil {
		return nil, err
	}
	return out, opErr
}

// CancelTurn withdraws a queued request and any live bid. Cancelling after
// grant reports false; the holder must Release instead.
func (s *Space) CancelTurn(pid string) (bool, error) {
	var cancelled bool
	if err := s.do(func() {
		withdrew := s.bidding.Withdraw(pid)
		var updates []turn.Update
		cancelled, updates = s.turns.Cancel(pid)
		cancelled = cancelled || withdrew
		s.applyUpdates(updates)
	}); err != nil {
		return false, err
	}
	return cancelled, nil
}

// ReleaseTurn gives the floor back and promotes the next in line.
func (s *Space) ReleaseTurn(pid string) error {
	var opErr error
	if err := s.do(func() {
		var updates []turn.Update
		updates, opErr = s.turns.Release(pid)
		s.applyUpdates(updates)
	}); err != nil {
		return err
	}
	return opErr
}

// TurnStatus reports holders and queue.
func (s *Space) TurnStatus() (turn.Status, error) {
	var st turn.Status
	err := s.do(func() { st = s.turns.Status() })
	return st, err
}

// OpenBidding starts an auction explicitly. The bidding turn strategy
// opens windows on its own; this exists for callers driving auctions by
// hand and fails with turn.ErrWindowAlreadyOpen while one runs.
func (s *Space) OpenBidding() (windowID string, closesAt time.Time, err error) {
	if doErr := s.do(func() {
		w, openErr := s.bidding.OpenWindow(s.cfg.BidWindow)
		if openErr != nil {
			err = openErr
			return
		}
		windowID = w.ID
		closesAt = w.ClosesAt
		id := w.ID
		s.windowTimer = time.AfterFunc(s.cfg.BidWindow, func() {
			s.post(func() { s.closeWindow(id) })
		})
		s.emit(&messaging.Event{Type: messaging.EventBiddingOpened, Detail: id})
		s.syncQueueIntoWindow()
	}); doErr != nil {
		return "", time.Time{}, doErr
	}
	return windowID, closesAt, err
}

// SubmitBid places a bid in the open window. Fails with
// turn.ErrWindowClosed when no window is open or the deadline passed.
func (s *Space) SubmitBid(pid string, urgency float64, estimate time.Duration) (*turn.Receipt, error) {
	var (
		receipt *turn.Receipt
		opErr   error
	)
	if err := s.do(func() {
		if !s.registry.Has(pid) {
			opErr = fmt.Errorf("%w: %s", participant.ErrUnknownParticipant, pid)
			return
		}
		receipt, opErr = s.bidding.Submit(pid, urgency, estimate)
	}); err != nil {
		return nil, err
	}
	return receipt, opErr
}

// WithdrawBid pulls a bid before the window closes.
func (s *Space) WithdrawBid(pid string) (bool, error) {
	var withdrew bool
	err := s.do(func() { withdrew = s.bidding.Withdraw(pid) })
	return withdrew, err
}

// RequestInterrupt asks to take the floor from the current speaker under
// the conversation's interruption policy. The response may be an immediate
// grant or denial, a pending vote or ask, or a temporary overlap grant.
func (s *Space) RequestInterrupt(pid string) (*turn.Response, error) {
	var (
		resp  *turn.Response
		opErr error
	)
	if err := s.do(func() { resp, opErr = s.requestInterrupt(pid) }); err != nil {
		return nil, err
	}
	return resp, opErr
}

func (s *Space) requestInterrupt(pid string) (*turn.Response, error) {
	if !s.registry.Has(pid) {
		return nil, fmt.Errorf("%w: %s", participant.ErrUnknownParticipant, pid)
	}
	holderID, ok := s.turns.OldestHolder()
	if !ok {
		return &turn.Response{
			Decision: turn.DecisionDenied,
			Reason:   "no active speaker to interrupt",
		}, nil
	}
	if holderID == pid {
		return nil, fmt.Errorf("%w: %s already holds the floor", turn.ErrInvalidTransition, pid)
	}

	resp := s.interrupts.Request(pid, holderID, s.registry.Priority(pid), s.registry.Priority(holderID))

	switch resp.Decision {
	case turn.DecisionGranted:
		updates, err := s.turns.Preempt(holderID, pid)
		if err != nil {
			return nil, err
		}
		s.emit(&messaging.Event{
			Type:          messaging.EventInterruptionResolved,
			ParticipantID: pid,
			Detail:        "granted",
		})
		s.applyUpdates(updates)

	case turn.DecisionPending:
		if _, armed := s.proposalTimers[resp.ProposalID]; !armed {
			proposalID := resp.ProposalID
			s.proposalTimers[proposalID] = time.AfterFunc(time.Until(resp.ResolveBy), func() {
				s.post(func() { s.expireInterrupt(proposalID) })
			})
			s.emit(&messaging.Event{
				Type:          messaging.EventVoteRequested,
				ParticipantID: pid,
				Detail:        proposalID,
			})
		}

	case turn.DecisionOverlap:
		updates, err := s.turns.AddOverlapHolder(pid)
		if err != nil {
			return nil, err
		}
		s.applyUpdates(updates)
		if s.overlapTimer == nil {
			s.overlapTimer = time.AfterFunc(resp.OverlapFor, func() {
				s.post(func() { s.resolveOverlap() })
			})
		}
		s.emit(&messaging.Event{
			Type:          messaging.EventInterruptionResolved,
			ParticipantID: pid,
			Detail:        "overlap",
		})
	}
	return resp, nil
}

func (s *Space) expireInterrupt(proposalID string) {
	exp, ok := s.interrupts.Expire(proposalID)
	s.cancelProposalTimer(proposalID)
	if !ok {
		return
	}
	s.emit(&messaging.Event{
		Type:          messaging.EventVoteClosed,
		ParticipantID: exp.Interruptor,
		Detail:        turn.ReasonTimeout,
	})
	s.emit(&messaging.Event{
		Type:          messaging.EventInterruptionResolved,
		ParticipantID: exp.Interruptor,
		Detail:        "denied",
	})
	if exp.Policy == turn.PolicyCooperative {
		// A silent speaker denies the interrupt, but the interruptor is
		// queued for the next natural transition instead of dropped.
		_, updates, err := s.turns.Request(exp.Interruptor, 0, 0)
		if err == nil {
			s.applyUpdates(updates)
		}
	}
}

func (s *Space) resolveOverlap() {
	s.overlapTimer = nil
	updates := s.turns.ResolveOverlap()
	if len(updates) == 0 {
		return
	}
	s.emit(&messaging.Event{
		Type:   messaging.EventInterruptionResolved,
		Detail: "overlap resolved",
	})
	s.applyUpdates(updates)
}

// Vote records a ballot on a pending interrupt vote or, failing that, on a
// consensus-strategy grant proposal.
func (s *Space) Vote(voter, proposalID string, approve bool) error {
	var opErr error
	if err := s.do(func() { opErr = s.vote(voter, proposalID, approve) }); err != nil {
		return err
	}
	return opErr
}

func (s *Space) vote(voter, proposalID string, approve bool) error {
	vr, err := s.interrupts.Vote(proposalID, voter, approve)
	if err == nil {
		if !vr.Resolved {
			return nil
		}
		s.cancelProposalTimer(proposalID)
		s.emit(&messaging.Event{
			Type:          messaging.EventVoteClosed,
			ParticipantID: vr.Interruptor,
			Detail:        turn.ReasonApproved,
		})
		updates, perr := s.turns.Preempt(vr.Holder, vr.Interruptor)
		if perr != nil {
			return perr
		}
		s.emit(&messaging.Event{
			Type:          messaging.EventInterruptionResolved,
			ParticipantID: vr.Interruptor,
			Detail:        "granted",
		})
		s.applyUpdates(updates)
		return nil
	}
	if !errors.Is(err, turn.ErrUnknownProposal) {
		return err
	}

	resolved, updates, err := s.turns.VoteGrant(proposalID, voter, approve)
	if err != nil {
		return err
	}
	if resolved {
		s.cancelProposalTimer(proposalID)
	}
	s.applyUpdates(updates)
	return nil
}

// AnswerInterrupt settles a cooperative ask. Only the current speaker may
// answer; allowing hands the floor over immediately.
func (s *Space) AnswerInterrupt(pid, proposalID string, allow bool) error {
	var opErr error
	if err := s.do(func() { opErr = s.answerInterrupt(pid, proposalID, allow) }); err != nil {
		return err
	}
	return opErr
}

func (s *Space) answerInterrupt(pid, proposalID string, allow bool) error {
	ar, err := s.interrupts.Answer(proposalID, pid, allow)
	if err != nil {
		return err
	}
	s.cancelProposalTimer(proposalID)

	if !ar.Granted {
		s.emit(&messaging.Event{
			Type:          messaging.EventInterruptionResolved,
			ParticipantID: ar.Interruptor,
			Detail:        "denied",
		})
		return nil
	}
	updates, err := s.turns.Preempt(ar.Holder, ar.Interruptor)
	if err != nil {
		return err
	}
	s.emit(&messaging.Event{
		Type:          messaging.EventInterruptionResolved,
		ParticipantID: ar.Interruptor,
		Detail:        "granted",
	})
	s.applyUpdates(updates)
	return nil
}

// Subscribe adds topics to a participant's subscription set.
func (s *Space) Subscribe(pid string, topics ...string) error {
	return s.do(func() {
		set, ok := s.topics[pid]
		if !ok {
			set = make(map[string]struct{})
			s.topics[pid] = set
		}
		for _, t := range topics {
			set[t] = struct{}{}
		}
	})
}

// Unsubscribe removes topics from a participant's subscription set.
func (s *Space) Unsubscribe(pid string, topics ...string) error {
	return s.do(func() {
		set, ok := s.topics[pid]
		if !ok {
			return
		}
		for _, t := range topics {
			delete(set, t)
		}
		if len(set) == 0 {
			delete(s.topics, pid)
		}
	})
}

// AcceptConn hands a fresh transport to the connection table. The
// connection is useless until Authenticate binds it to a member.
func (s *Space) AcceptConn(tr transport.Transport) *connection.Conn {
	return s.conns.Accept(tr)
}

// Authenticate binds a connection to a joined participant. Single-device
// conflicts surface as connection.ErrAuthConflict.
func (s *Space) Authenticate(connID, pid string) error {
	var opErr error
	if err := s.do(func() {
		if !s.registry.Has(pid) {
			opErr = fmt.Errorf("%w: %s", participant.ErrUnknownParticipant, pid)
			return
		}
		opErr = s.conns.Authenticate(connID, pid)
	}); err != nil {
		return err
	}
	return opErr
}

// Disconnect suspends a connection, parking its delivery cursor behind a
// resume token. Unknown conn ids are ignored: the disconnect already won.
func (s *Space) Disconnect(connID string) (*connection.ResumeToken, error) {
	var (
		token *connection.ResumeToken
		opErr error
	)
	if err := s.do(func() { token, opErr = s.disconnect(connID) }); err != nil {
		return nil, err
	}
	return token, opErr
}

func (s *Space) disconnect(connID string) (*connection.ResumeToken, error) {
	token, err := s.conns.Suspend(connID)
	if errors.Is(err, connection.ErrConnNotFound) {
		return nil, nil
	}
	return token, err
}

// ResumeResult reports how a resume was satisfied. When FullResync is set
// the gap exceeded the replay cap (or left the in-memory window) and the
// client must re-fetch history itself; Replayed is the number of messages
// queued ahead of live traffic otherwise.
type ResumeResult struct {
	Conn       *connection.Conn
	Replayed   int
	FullResync bool
	LatestSeq  uint64
}

// Resume revives a suspended session on a new transport and replays the
// delivery gap in order, ahead of any live traffic.
func (s *Space) Resume(token string, tr transport.Transport) (*ResumeResult, error) {
	var (
		res   *ResumeResult
		opErr error
	)
	if err := s.do(func() { res, opErr = s.resume(token, tr) }); err != nil {
		return nil, err
	}
	return res, opErr
}

func (s *Space) resume(token string, tr transport.Transport) (*ResumeResult, error) {
	conn, cursor, err := s.conns.Resume(token, tr)
	if err != nil {
		return nil, err
	}
	s.registry.Touch(conn.ParticipantID)
	s.stats.resumes++

	// The ring holds every message since this process accepted its first
	// one, so cursor+len reaching seq proves the replay is complete. A
	// fresh process with persisted history fails that check and resyncs.
	msgs, contiguous := s.hist.since(cursor, s.cfg.MaxReplay+1)
	if !contiguous || len(msgs) > s.cfg.MaxReplay || cursor+uint64(len(msgs)) < s.seq {
		s.stats.fullResyncs++
		s.logger.Info("resume needs full resync",
			"participant_id", conn.ParticipantID,
			"cursor", cursor,
			"latest_seq", s.seq,
		)
		return &ResumeResult{Conn: conn, FullResync: true, LatestSeq: s.seq}, nil
	}

	for _, m := range msgs {
		if err := conn.Enqueue(messaging.NewMessageEnvelope(m)); err != nil {
			// A replay that cannot fit the fresh queue is treated like any
			// other overflow.
			if _, serr := s.conns.Suspend(conn.ID); serr == nil {
				s.stats.overflowSuspends++
			}
			return nil, fmt.Errorf("replay overflow: %w", err)
		}
	}
	s.stats.replayed += uint64(len(msgs))
	s.logger.Info("session resumed",
		"participant_id", conn.ParticipantID,
		"cursor", cursor,
		"replayed", len(msgs),
	)
	return &ResumeResult{Conn: conn, Replayed: len(msgs), LatestSeq: s.seq}, nil
}

// ResumeByParticipant resumes the newest parked session for a participant
// that re-proved its identity but never received its token (the transport
// died before delivery).
func (s *Space) ResumeByParticipant(pid string, tr transport.Transport) (*ResumeResult, error) {
	token, ok := s.conns.ParkedTokenFor(pid)
	if !ok {
		return nil, fmt.Errorf("%w: no parked session for %s", connection.ErrResumeTokenUnknown, pid)
	}
	return s.Resume(token, tr)
}

// History reads a sequence range, serving from memory when the ring still
// covers it and falling back to the persistent store otherwise.
func (s *Space) History(ctx context.Context, from, to uint64, limit int) ([]*messaging.Message, error) {
	if from == 0 {
		from = 1
	}
	var (
		msgs  []*messaging.Message
		inMem bool
	)
	if err := s.do(func() {
		if s.seq == 0 {
			inMem = true
			return
		}
		if s.hist.covers(from) {
			msgs = s.hist.slice(from, to, limit)
			inMem = true
		}
	}); err != nil {
		return nil, err
	}
	if inMem || s.st == nil {
		return msgs, nil
	}
	return s.st.ReadRange(ctx, s.ID, from, to, limit)
}

// Snapshot is a point-in-time view of one conversation.
type Snapshot struct {
	ConversationID    string
	Topic             string
	Participants      []*participant.Participant
	Turn              turn.Status
	LatestSeq         uint64
	ActiveConns       int
	SuspendedConns    int
	BiddingOpen       bool
	PendingInterrupts int
}

// Snapshot captures membership, floor, and connection state.
func (s *Space) Snapshot() (*Snapshot, error) {
	var snap *Snapshot
	if err := s.do(func() {
		active, suspended := s.conns.Counts()
		_, biddingOpen := s.bidding.Current()
		snap = &Snapshot{
			ConversationID:    s.ID,
			Topic:             s.cfg.Topic,
			Participants:      s.registry.List(),
			Turn:              s.turns.Status(),
			LatestSeq:         s.seq,
			ActiveConns:       active,
			SuspendedConns:    suspended,
			BiddingOpen:       biddingOpen,
			PendingInterrupts: s.interrupts.Pending(),
		}
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

// Metrics are monotonic counters plus current gauges for one conversation.
type Metrics struct {
	ConversationID   string
	Participants     int
	ActiveConns      int
	SuspendedConns   int
	LatestSeq        uint64
	Messages         uint64
	Events           uint64
	OverflowSuspends uint64
	Resumes          uint64
	Replayed         uint64
	FullResyncs      uint64
	PersistDropped   uint64
	Holders          int
	QueueDepth       int
}

// Metrics reports the space's counters.
func (s *Space) Metrics() (*Metrics, error) {
	var m *Metrics
	if err := s.do(func() {
		active, suspended := s.conns.Counts()
		st := s.turns.Status()
		m = &Metrics{
			ConversationID:   s.ID,
			Participants:     s.registry.Len(),
			ActiveConns:      active,
			SuspendedConns:   suspended,
			LatestSeq:        s.seq,
			Messages:         s.stats.messages,
			Events:           s.stats.events,
			OverflowSuspends: s.stats.overflowSuspends,
			Resumes:          s.stats.resumes,
			Replayed:         s.stats.replayed,
			FullResyncs:      s.stats.fullResyncs,
			PersistDropped:   s.persist.droppedCount(),
			Holders:          len(st.Holders),
			QueueDepth:       len(st.Queue),
		}
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// EmptyFor reports how long the space has had no members, zero while
// occupied. The hub's janitor uses it for linger destruction.
func (s *Space) EmptyFor() time.Duration {
	var d time.Duration
	if err := s.do(func() {
		if !s.emptySince.IsZero() {
			d = time.Since(s.emptySince)
		}
	}); err != nil {
		// A closed space counts as abandoned forever.
		return 1<<62 - 1
	}
	return d
}

// Linger returns the configured empty-space lifetime.
func (s *Space) Linger() time.Duration { return s.cfg.Linger }
