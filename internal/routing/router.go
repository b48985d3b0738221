// ABOUTME: Fan-out router selecting recipients per the conversation's strategy.
// ABOUTME: Delivery to one recipient never blocks or fails delivery to another.

package routing

import (
	"errors"
	"log/slog"
	"slices"

	"github.com/2389/parley-hub/internal/messaging"
)

// ErrRecipientOverflow reports a full outbound queue. The sink translates
// its transport's overflow into this so reports stay transport-agnostic.
var ErrRecipientOverflow = errors.New("recipient queue overflow")

// ErrRecipientUnreachable reports a recipient with no usable connection.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// Strategy selects which participants receive a message.
type Strategy string

const (
	StrategyBroadcast  Strategy = "broadcast"
	StrategyRoleBased  Strategy = "role_based"
	StrategyTopicBased Strategy = "topic_based"
	StrategyRelevance  Strategy = "relevance"
)

// Valid reports whether s is a known routing strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBroadcast, StrategyRoleBased, StrategyTopicBased, StrategyRelevance:
		return true
	}
	return false
}

// Recipient is the routing view of one connected participant.
type Recipient struct {
	ParticipantID string
	Capabilities  []string
	Topics        []string
	IdleFor       float64 // seconds since last activity, for relevance scoring
}

// Sink queues an envelope for one participant. Implementations must not
// block; a full queue or missing connection comes back as a sentinel.
type Sink interface {
	Deliver(participantID string, env *messaging.Envelope) error
}

// Config fixes the routing behavior for one conversation.
type Config struct {
	Strategy Strategy
	// Roles limits role_based routing to recipients sharing at least one
	// of these capabilities. Empty means every capability matches.
	Roles []string
	// RelevanceThreshold is the minimum score for relevance routing.
	// Zero means the default threshold.
	RelevanceThreshold float64
}

// Report is the per-recipient outcome of one fan-out. The queued, overflow,
// and unreachable lists partition the selected recipients.
type Report struct {
	MessageID   string
	Sequence    uint64
	Strategy    Strategy
	Candidates  int
	Queued      []string
	Overflowed  []string
	Unreachable []string
}

// Delivered counts recipients whose queues accepted the envelope.
func (r *Report) Delivered() int { return len(r.Queued) }

// Router fans conversation traffic out to recipients. Selection depends on
// the configured strategy; control events always go to everyone. Callers
// route serially per conversation, which combined with FIFO sink queues
// preserves the send-order guarantee end to end.
type Router struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
}

// NewRouter creates a router delivering through sink. Pass nil logger for
// default.
func NewRouter(cfg Config, sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyBroadcast
	}
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = defaultRelevanceThreshold
	}
	return &Router{cfg: cfg, sink: sink, logger: logger.With("component", "router")}
}

// Strategy returns the configured routing strategy.
func (r *Router) Strategy() Strategy { return r.cfg.Strategy }

// Route selects recipients for env and queues it to each. One recipient's
// failure is recorded and the rest still receive; the report says who got
// what.
func (r *Router) Route(env *messaging.Envelope, recipients []Recipient) *Report {
	report := &Report{Strategy: r.cfg.Strategy, Sequence: env.Seq()}

	selected := recipients
	if env.Kind == messaging.EnvelopeMessage && env.Message != nil {
		report.MessageID = env.Message.ID
		selected = r.selectRecipients(env.Message, recipients)
	}
	report.Candidates = len(selected)

	for _, rec := range selected {
		err := r.sink.Deliver(rec.ParticipantID, env)
		switch {
		case err == nil:
			report.Queued = append(report.Queued, rec.ParticipantID)
		case errors.Is(err, ErrRecipientOverflow):
			report.Overflowed = append(report.Overflowed, rec.ParticipantID)
			r.logger.Warn("recipient queue overflow",
				"participant_id", rec.ParticipantID,
				"sequence", report.Sequence,
			)
		default:
			report.Unreachable = append(report.Unreachable, rec.ParticipantID)
			r.logger.Debug("recipient unreachable",
				"participant_id", rec.ParticipantID,
				"error", err,
			)
		}
	}

	return report
}

// selectRecipients applies the strategy to message envelopes. The sender's
// own connection is always included: the echo confirms acceptance and keeps
// every delivery cursor advancing uniformly, so resume replay needs no
// per-recipient bookkeeping.
func (r *Router) selectRecipients(msg *messaging.Message, recipients []Recipient) []Recipient {
	out := make([]Recipient, 0, len(recipients))
	for _, rec := range recipients {
		if rec.ParticipantID == msg.SenderID || r.matches(msg, rec) {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Router) matches(msg *messaging.Message, rec Recipient) bool {
	switch r.cfg.Strategy {
	case StrategyRoleBased:
		if len(r.cfg.Roles) == 0 {
			return true
		}
		for _, role := range r.cfg.Roles {
			if slices.Contains(rec.Capabilities, role) {
				return true
			}
		}
		return false

	case StrategyTopicBased:
		// Untopiced traffic is conversation-wide.
		if msg.Topic == "" {
			return true
		}
		return slices.Contains(rec.Topics, msg.Topic)

	case StrategyRelevance:
		return relevanceScore(msg, rec) >= r.cfg.RelevanceThreshold

	default:
		return true
	}
}
