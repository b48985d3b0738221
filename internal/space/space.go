// ABOUTME: Conversation space: the single serialization domain for one conversation.
// ABOUTME: One loop goroutine owns turn state, sequencing, and fan-out dispatch.

package space

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/parley-hub/internal/connection"
	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/participant"
	"github.com/2389/parley-hub/internal/routing"
	"github.com/2389/parley-hub/internal/store"
	"github.com/2389/parley-hub/internal/turn"
)

// Config fixes one conversation's coordination behavior. Zero values take
// the documented defaults.
type Config struct {
	Topic        string
	Turn         turn.Config
	Interruption turn.InterruptionConfig
	Routing      routing.Config
	Connection   connection.Config // callbacks are owned by the space

	// BidWindow is how long auctions stay open under the bidding strategy.
	BidWindow time.Duration
	// MaxReplay caps how many messages a resume replays before the client
	// is told to do a full resync instead.
	MaxReplay int
	// HistoryLimit sizes the in-memory message ring.
	HistoryLimit int
	// PersistBuffer sizes the async store writer's channel.
	PersistBuffer int
	// Linger is how long an empty space survives before the hub destroys
	// it.
	Linger time.Duration
	// Presence demotion thresholds applied by the sweep.
	Presence participant.SweepThresholds
	// SweepInterval is the presence sweep cadence. Zero disables sweeping.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BidWindow <= 0 {
		c.BidWindow = 5 * time.Second
	}
	if c.MaxReplay <= 0 {
		c.MaxReplay = 200
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1024
	}
	if c.PersistBuffer <= 0 {
		c.PersistBuffer = 256
	}
	if c.Linger <= 0 {
		c.Linger = 5 * time.Minute
	}
	return c
}

const opQueueSize = 256

// Space coordinates one conversation. All turn, sequence, and membership
// mutations run on its loop goroutine, so grants and sequence numbers are
// totally ordered without lock juggling; different spaces share nothing and
// proceed in parallel.
type Space struct {
	ID     string
	cfg    Config
	logger *slog.Logger

	registry   *participant.Registry
	conns      *connection.Manager
	router     *routing.Router
	sink       *connSink
	turns      *turn.Manager
	bidding    *turn.Coordinator
	interrupts *turn.Interrupter
	hist       *history
	persist    *persister
	st         store.MessageStore
	ids        *messaging.IDGenerator

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned state below. Nothing outside run() touches it.
	closing        bool
	seq            uint64
	topics         map[string]map[string]struct{}
	turnTimers     map[string]*time.Timer
	proposalTimers map[string]*time.Timer
	windowTimer    *time.Timer
	overlapTimer   *time.Timer
	emptySince     time.Time
	stats          counters
}

type counters struct {
	messages         uint64
	events           uint64
	overflowSuspends uint64
	resumes          uint64
	replayed         uint64
	fullResyncs      uint64
}

// New builds a space and starts its loop. A nil store disables persistence;
// a nil id generator gets a private node.
func New(id string, cfg Config, st store.MessageStore, ids *messaging.IDGenerator, logger *slog.Logger) *Space {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", id)
	cfg = cfg.withDefaults()
	if ids == nil {
		ids, _ = messaging.NewIDGenerator(1)
	}

	s := &Space{
		ID:             id,
		cfg:            cfg,
		logger:         logger,
		registry:       participant.NewRegistry(logger),
		bidding:        turn.NewCoordinator(logger),
		interrupts:     turn.NewInterrupter(cfg.Interruption, logger),
		hist:           newHistory(cfg.HistoryLimit),
		st:             st,
		ids:            ids,
		ops:            make(chan func(), opQueueSize),
		done:           make(chan struct{}),
		topics:         make(map[string]map[string]struct{}),
		turnTimers:     make(map[string]*time.Timer),
		proposalTimers: make(map[string]*time.Timer),
		emptySince:     time.Now(),
	}
	s.turns = turn.NewManager(cfg.Turn, s.registry, logger)

	connCfg := cfg.Connection
	connCfg.OnDisconnect = func(connID string) {
		s.post(func() { s.disconnect(connID) })
	}
	connCfg.OnResumeExpired = func(pid string) {
		s.post(func() { s.leave(pid, "resume window expired") })
	}
	s.conns = connection.NewManager(connCfg, logger)
	s.sink = &connSink{conns: s.conns}
	s.router = routing.NewRouter(cfg.Routing, s.sink, logger)
	s.persist = newPersister(st, cfg.PersistBuffer, logger)

	// Continue sequence numbering above whatever a previous process
	// persisted for this conversation.
	if st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		max, err := st.MaxSequence(ctx, id)
		cancel()
		if err != nil {
			logger.Warn("could not read persisted max sequence", "error", err)
		} else {
			s.seq = max
		}
	}

	go s.run()
	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}

	logger.Info("conversation space started",
		"turn_strategy", s.turns.Strategy(),
		"routing_strategy", s.router.Strategy(),
		"interruption_policy", s.interrupts.Policy(),
		"resume_seq", s.seq,
	)
	return s
}

// Config returns the effective configuration after defaulting.
func (s *Space) Config() Config { return s.cfg }

func (s *Space) run() {
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.done:
			return
		}
	}
}

// do posts fn to the loop and waits for it. Ops that land after shutdown
// report ErrSpaceClosed without running.
func (s *Space) do(fn func()) error {
	ran := make(chan struct{})
	rejected := false
	wrapped := func() {
		if s.closing {
			rejected = true
		} else {
			fn()
		}
		close(ran)
	}

	select {
	case s.ops <- wrapped:
	case <-s.done:
		return ErrSpaceClosed
	}

	select {
	case <-ran:
	case <-s.done:
		select {
		case <-ran:
		default:
			return ErrSpaceClosed
		}
	}
	if rejected {
		return ErrSpaceClosed
	}
	return nil
}

// post is the fire-and-forget variant used by timer callbacks.
func (s *Space) post(fn func()) {
	wrapped := func() {
		if !s.closing {
			fn()
		}
	}
	select {
	case s.ops <- wrapped:
	case <-s.done:
	}
}

// Close announces shutdown, drains internal work, and stops the loop.
// Idempotent; pending do calls return ErrSpaceClosed.
func (s *Space) Close() {
	s.closeOnce.Do(func() {
		_ = s.do(func() { s.shutdown() })
		close(s.done)
	})
}

func (s *Space) shutdown() {
	s.emit(&messaging.Event{Type: messaging.EventConversationClosing})
	s.closing = true

	for _, t := range s.turnTimers {
		t.Stop()
	}
	for _, t := range s.proposalTimers {
		t.Stop()
	}
	if s.windowTimer != nil {
		s.windowTimer.Stop()
	}
	if s.overlapTimer != nil {
		s.overlapTimer.Stop()
	}

	s.conns.Close()
	s.persist.close()
	s.logger.Info("conversation space closed", "final_seq", s.seq)
}

func (s *Space) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.post(func() { s.sweepPresence() })
		case <-s.done:
			return
		}
	}
}

func (s *Space) sweepPresence() {
	changes, expired := s.registry.Sweep(time.Now(), s.cfg.Presence)
	for _, ch := range changes {
		s.emit(&messaging.Event{
			Type:          messaging.EventPresenceChanged,
			ParticipantID: ch.ParticipantID,
			Detail:        string(ch.To),
		})
	}
	for _, pid := range expired {
		s.leave(pid, "presence timeout")
	}
}

// connSink adapts the connection table to the router. It runs only inside
// the loop, so collecting overflowed conn ids across one fan-out is safe.
type connSink struct {
	conns      *connection.Manager
	overflowed []string
}

func (cs *connSink) reset() { cs.overflowed = nil }

func (cs *connSink) Deliver(pid string, env *messaging.Envelope) error {
	out := cs.conns.Deliver(pid, env)
	cs.overflowed = append(cs.overflowed, out.Overflowed...)
	if out.Queued > 0 {
		return nil
	}
	if len(out.Overflowed) > 0 {
		return routing.ErrRecipientOverflow
	}
	return routing.ErrRecipientUnreachable
}

// recipients builds the routing view of every authenticated participant.
func (s *Space) recipients() []routing.Recipient {
	ids := s.conns.AuthenticatedIDs()
	out := make([]routing.Recipient, 0, len(ids))
	now := time.Now()
	for _, pid := range ids {
		p, err := s.registry.Get(pid)
		if err != nil {
			// Connected but no longer a member; skip until the session
			// notices the leave.
			continue
		}
		var topicList []string
		for topic := range s.topics[pid] {
			topicList = append(topicList, topic)
		}
		out = append(out, routing.Recipient{
			ParticipantID: pid,
			Capabilities:  p.Capabilities,
			Topics:        topicList,
			IdleFor:       now.Sub(p.LastActive).Seconds(),
		})
	}
	return out
}

// emit fans a control event out to everyone. Overflowed connections are
// suspended just like they are for messages.
func (s *Space) emit(ev *messaging.Event) {
	ev.ConversationID = s.ID
	ev.At = time.Now()
	s.sink.reset()
	s.router.Route(messaging.NewEventEnvelope(ev), s.recipients())
	s.suspendOverflowed()
	s.stats.events++
}

// suspendOverflowed converts queue overflow into forced suspension. The
// suspended session keeps its resume token, so a live client recovers by
// resuming and replaying the gap.
func (s *Space) suspendOverflowed() {
	for _, connID := range s.sink.overflowed {
		if _, err := s.conns.Suspend(connID); err == nil {
			s.stats.overflowSuspends++
			s.logger.Warn("outbound queue overflow, connection suspended", "conn_id", connID)
		}
	}
	s.sink.reset()
}

// applyUpdates turns manager updates into events and timers. Everything
// externally visible about a floor change funnels through here.
func (s *Space) applyUpdates(updates []turn.Update) {
	for _, u := range updates {
		switch u.Kind {
		case turn.UpdateGranted:
			s.armTurnTimer(u.ParticipantID, u.Epoch)
			s.emit(&messaging.Event{
				Type:          messaging.EventTurnGranted,
				ParticipantID: u.ParticipantID,
			})

		case turn.UpdateReleased:
			s.cancelTurnTimer(u.ParticipantID)
			s.emit(&messaging.Event{
				Type:          messaging.EventTurnReleased,
				ParticipantID: u.ParticipantID,
				Detail:        u.Reason,
			})

		case turn.UpdateRevoked:
			s.cancelTurnTimer(u.ParticipantID)
			s.emit(&messaging.Event{
				Type:          messaging.EventTurnRevoked,
				ParticipantID: u.ParticipantID,
				Detail:        u.Reason,
			})

		case turn.UpdateOpenWindow:
			s.openWindow()

		case turn.UpdateOpenProposal:
			s.openGrantProposal(u.ParticipantID)

		case turn.UpdateProposalClosed:
			s.cancelProposalTimer(u.ProposalID)
			s.emit(&messaging.Event{
				Type:          messaging.EventVoteClosed,
				ParticipantID: u.ParticipantID,
				Detail:        u.Reason,
			})
		}
	}
}

func (s *Space) armTurnTimer(pid string, epoch uint64) {
	d := s.turns.MaxTurnDuration()
	if d <= 0 {
		return
	}
	if t, ok := s.turnTimers[pid]; ok {
		t.Stop()
	}
	s.turnTimers[pid] = time.AfterFunc(d, func() {
		s.post(func() { s.applyUpdates(s.turns.ExpireTurn(pid, epoch)) })
	})
}

func (s *Space) cancelTurnTimer(pid string) {
	if t, ok := s.turnTimers[pid]; ok {
		t.Stop()
		delete(s.turnTimers, pid)
	}
}

func (s *Space) cancelProposalTimer(id string) {
	if t, ok := s.proposalTimers[id]; ok {
		t.Stop()
		delete(s.proposalTimers, id)
	}
}

// openWindow starts an auction, or folds newcomers into the one already
// running. Queued turn requests become bids with their original request
// times so first-come tie-breaks survive the conversion; an explicit bid
// is never overwritten.
func (s *Space) openWindow() {
	if _, open := s.bidding.Current(); open {
		s.syncQueueIntoWindow()
		return
	}

	w, err := s.bidding.OpenWindow(s.cfg.BidWindow)
	if err != nil {
		s.logger.Warn("bidding window open refused", "error", err)
		return
	}
	windowID := w.ID
	s.windowTimer = time.AfterFunc(s.cfg.BidWindow, func() {
		s.post(func() { s.closeWindow(windowID) })
	})
	s.emit(&messaging.Event{Type: messaging.EventBiddingOpened, Detail: windowID})
	s.syncQueueIntoWindow()
}

func (s *Space) syncQueueIntoWindow() {
	for _, q := range s.turns.QueueSnapshot() {
		if s.bidding.HasBid(q.ParticipantID) {
			continue
		}
		_, _ = s.bidding.SubmitAt(q.ParticipantID, q.Urgency, q.EstimatedDuration, q.EnqueuedAt)
	}
}

func (s *Space) closeWindow(windowID string) {
	winner, closed := s.bidding.Close(windowID)
	if !closed {
		return
	}
	if s.windowTimer != nil {
		s.windowTimer.Stop()
		s.windowTimer = nil
	}

	winnerID := ""
	if winner != nil {
		winnerID = winner.ParticipantID
	}
	s.emit(&messaging.Event{
		Type:          messaging.EventBiddingClosed,
		ParticipantID: winnerID,
		Detail:        windowID,
	})
	s.applyUpdates(s.turns.WindowClosed(winnerID))
}

// openGrantProposal starts (or rejoins) a consensus vote for a queued
// request under the consensus turn strategy.
func (s *Space) openGrantProposal(pid string) {
	p, fresh, err := s.turns.OpenGrantProposal(pid)
	if err != nil {
		s.logger.Warn("grant proposal refused", "participant_id", pid, "error", err)
		return
	}
	if !fresh {
		return
	}
	proposalID := p.ID
	s.proposalTimers[proposalID] = time.AfterFunc(time.Until(p.Deadline), func() {
		s.post(func() { s.expireGrantProposal(proposalID) })
	})
	s.emit(&messaging.Event{
		Type:          messaging.EventVoteRequested,
		ParticipantID: pid,
		Detail:        proposalID,
	})
}

func (s *Space) expireGrantProposal(proposalID string) {
	updates, ok := s.turns.ExpireGrantProposal(proposalID)
	s.cancelProposalTimer(proposalID)
	if ok {
		s.applyUpdates(updates)
	}
}
