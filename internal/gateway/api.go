// ABOUTME: REST API for conversation management, history reads, and hub stats.
// ABOUTME: Bearer-token middleware guards the API when JWT auth is configured.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/parley-hub/internal/config"
	"github.com/2389/parley-hub/internal/identity"
	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/participant"
	"github.com/2389/parley-hub/internal/space"
)

// registerAPIRoutes wires the REST surface. The websocket endpoint is not
// behind the middleware: sessions authenticate in-band during the
// handshake.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	wrap := g.authMiddleware()

	mux.Handle("GET /api/conversations", wrap(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("POST /api/conversations", wrap(http.HandlerFunc(g.handleCreateConversation)))
	mux.Handle("GET /api/conversations/{id}", wrap(http.HandlerFunc(g.handleGetConversation)))
	mux.Handle("DELETE /api/conversations/{id}", wrap(http.HandlerFunc(g.handleDeleteConversation)))
	mux.Handle("GET /api/conversations/{id}/history", wrap(http.HandlerFunc(g.handleHistory)))
	mux.Handle("GET /api/conversations/{id}/participants", wrap(http.HandlerFunc(g.handleParticipants)))
	mux.Handle("GET /api/presets", wrap(http.HandlerFunc(g.handleListPresets)))
	mux.Handle("GET /api/stats", wrap(http.HandlerFunc(g.handleStats)))
}

// authMiddleware returns a bearer-token check when a JWT secret is
// configured, and the identity middleware otherwise.
func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	if g.config.Auth.JWTSecret == "" {
		g.logger.Warn("http api auth disabled - no jwt_secret configured")
		return func(next http.Handler) http.Handler { return next }
	}

	provider := identity.NewJWTProvider([]byte(g.config.Auth.JWTSecret))
	g.logger.Info("http api auth middleware enabled")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if _, err := provider.Resolve(r.Context(), identity.Credential{Token: token}); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// conversationSummary is the list view of one live conversation.
type conversationSummary struct {
	ConversationID string `json:"conversation_id"`
	Topic          string `json:"topic,omitempty"`
	Participants   int    `json:"participants"`
	LatestSeq      uint64 `json:"latest_seq"`
}

// holderView is one floor holder in a snapshot response.
type holderView struct {
	ParticipantID string    `json:"participant_id"`
	GrantedAt     time.Time `json:"granted_at"`
	Speaking      bool      `json:"speaking"`
}

// queueView is one waiting turn request in a snapshot response.
type queueView struct {
	ParticipantID string  `json:"participant_id"`
	Position      int     `json:"position"`
	Urgency       float64 `json:"urgency,omitempty"`
}

// conversationDetail is the full snapshot view of one conversation.
type conversationDetail struct {
	ConversationID    string                     `json:"conversation_id"`
	Topic             string                     `json:"topic,omitempty"`
	TurnStrategy      string                     `json:"turn_strategy"`
	Holders           []holderView               `json:"holders"`
	Queue             []queueView                `json:"queue"`
	Participants      []*participant.Participant `json:"participants"`
	LatestSeq         uint64                     `json:"latest_seq"`
	ActiveConns       int                        `json:"active_conns"`
	SuspendedConns    int                        `json:"suspended_conns"`
	BiddingOpen       bool                       `json:"bidding_open"`
	PendingInterrupts int                        `json:"pending_interrupts"`
}

func detailFromSnapshot(snap *space.Snapshot) *conversationDetail {
	d := &conversationDetail{
		ConversationID:    snap.ConversationID,
		Topic:             snap.Topic,
		TurnStrategy:      string(snap.Turn.Strategy),
		Holders:           []holderView{},
		Queue:             []queueView{},
		Participants:      snap.Participants,
		LatestSeq:         snap.LatestSeq,
		ActiveConns:       snap.ActiveConns,
		SuspendedConns:    snap.SuspendedConns,
		BiddingOpen:       snap.BiddingOpen,
		PendingInterrupts: snap.PendingInterrupts,
	}
	for _, h := range snap.Turn.Holders {
		d.Holders = append(d.Holders, holderView{
			ParticipantID: h.ParticipantID,
			GrantedAt:     h.GrantedAt,
			Speaking:      h.Speaking,
		})
	}
	for _, q := range snap.Turn.Queue {
		d.Queue = append(d.Queue, queueView{
			ParticipantID: q.ParticipantID,
			Position:      q.Position,
			Urgency:       q.Urgency,
		})
	}
	return d
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries := make([]conversationSummary, 0)
	for _, id := range g.hub.List() {
		sp, err := g.hub.Get(id)
		if err != nil {
			continue
		}
		snap, err := sp.Snapshot()
		if err != nil {
			continue
		}
		summaries = append(summaries, conversationSummary{
			ConversationID: snap.ConversationID,
			Topic:          snap.Topic,
			Participants:   len(snap.Participants),
			LatestSeq:      snap.LatestSeq,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

// createConversationRequest creates a conversation from a preset and/or
// inline overrides. Empty fields leave the default untouched.
type createConversationRequest struct {
	ID                 string   `json:"id,omitempty"`
	Preset             string   `json:"preset,omitempty"`
	Topic              string   `json:"topic,omitempty"`
	TurnStrategy       string   `json:"turn_strategy,omitempty"`
	RoutingStrategy    string   `json:"routing_strategy,omitempty"`
	InterruptionPolicy string   `json:"interruption_policy,omitempty"`
	MaxTurnDuration    string   `json:"max_turn_duration,omitempty"`
	BidWindow          string   `json:"bid_window,omitempty"`
	VoteWindow         string   `json:"vote_window,omitempty"`
	AskTimeout         string   `json:"ask_timeout,omitempty"`
	OverlapTolerance   string   `json:"overlap_tolerance,omitempty"`
	ResumeWindow       string   `json:"resume_window,omitempty"`
	Linger             string   `json:"linger,omitempty"`
	QueueLimit         int      `json:"queue_limit,omitempty"`
	MaxSimultaneous    int      `json:"max_simultaneous,omitempty"`
	PriorityThreshold  int      `json:"priority_threshold,omitempty"`
	MinVotes           int      `json:"min_votes,omitempty"`
	HistoryLimit       int      `json:"history_limit,omitempty"`
	MaxReplay          int      `json:"max_replay,omitempty"`
	MultiDevice        *bool    `json:"multi_device,omitempty"`
	Roles              []string `json:"roles,omitempty"`
	RelevanceThreshold float64  `json:"relevance_threshold,omitempty"`
}

// overlay converts the inline overrides into a preset so one Apply path
// serves both the presets file and the create API.
func (req *createConversationRequest) overlay() config.Preset {
	return config.Preset{
		Topic:              req.Topic,
		TurnStrategy:       req.TurnStrategy,
		RoutingStrategy:    req.RoutingStrategy,
		InterruptionPolicy: req.InterruptionPolicy,
		MaxTurnDuration:    req.MaxTurnDuration,
		BidWindow:          req.BidWindow,
		VoteWindow:         req.VoteWindow,
		AskTimeout:         req.AskTimeout,
		OverlapTolerance:   req.OverlapTolerance,
		ResumeWindow:       req.ResumeWindow,
		Linger:             req.Linger,
		QueueLimit:         req.QueueLimit,
		MaxSimultaneous:    req.MaxSimultaneous,
		PriorityThreshold:  req.PriorityThreshold,
		MinVotes:           req.MinVotes,
		HistoryLimit:       req.HistoryLimit,
		MaxReplay:          req.MaxReplay,
		MultiDevice:        req.MultiDevice,
		Roles:              req.Roles,
		RelevanceThreshold: req.RelevanceThreshold,
	}
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}

	cfg, err := g.spaceConfig(req.Preset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err = req.overlay().Apply(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sp, err := g.hub.Create(req.ID, &cfg)
	if errors.Is(err, space.ErrConversationExists) {
		writeError(w, http.StatusConflict, fmt.Sprintf("conversation %q already exists", req.ID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap, err := sp.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, detailFromSnapshot(snap))
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sp, err := g.hub.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	snap, err := sp.Snapshot()
	if err != nil {
		writeError(w, http.StatusGone, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detailFromSnapshot(snap))
}

// handleDeleteConversation handles DELETE /api/conversations/{id}. The
// purge query flag also drops persisted history.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	purge := r.URL.Query().Get("purge") == "true"
	if err := g.hub.Remove(r.Context(), r.PathValue("id"), purge); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory handles GET /api/conversations/{id}/history with optional
// from, to, and limit query parameters. This is also the full-resync path
// for resumed sessions whose gap outran the replay cap.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	sp, err := g.hub.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	from, err := queryUint(r, "from", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := queryUint(r, "to", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := sp.History(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*messaging.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": sp.ID,
		"messages":        msgs,
	})
}

// handleParticipants handles GET /api/conversations/{id}/participants.
func (g *Gateway) handleParticipants(w http.ResponseWriter, r *http.Request) {
	sp, err := g.hub.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": sp.ID,
		"participants":    sp.Participants(),
	})
}

// handleListPresets handles GET /api/presets.
func (g *Gateway) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": g.presets.Names()})
}

// statsResponse aggregates hub metrics for GET /api/stats.
type statsResponse struct {
	UptimeSeconds    int64                  `json:"uptime_seconds"`
	Conversations    int                    `json:"conversations"`
	Participants     int                    `json:"participants"`
	Messages         uint64                 `json:"messages"`
	Events           uint64                 `json:"events"`
	OverflowSuspends uint64                 `json:"overflow_suspends"`
	Resumes          uint64                 `json:"resumes"`
	PerConversation  map[string]*spaceStats `json:"per_conversation"`
}

type spaceStats struct {
	Participants     int    `json:"participants"`
	ActiveConns      int    `json:"active_conns"`
	SuspendedConns   int    `json:"suspended_conns"`
	LatestSeq        uint64 `json:"latest_seq"`
	Messages         uint64 `json:"messages"`
	Events           uint64 `json:"events"`
	OverflowSuspends uint64 `json:"overflow_suspends"`
	Resumes          uint64 `json:"resumes"`
	Replayed         uint64 `json:"replayed"`
	FullResyncs      uint64 `json:"full_resyncs"`
	PersistDropped   uint64 `json:"persist_dropped"`
	Holders          int    `json:"holders"`
	QueueDepth       int    `json:"queue_depth"`
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	metrics := g.hub.Metrics()
	resp := statsResponse{
		UptimeSeconds:   int64(time.Since(g.startedAt).Seconds()),
		Conversations:   len(metrics),
		PerConversation: make(map[string]*spaceStats, len(metrics)),
	}
	for id, m := range metrics {
		resp.Participants += m.Participants
		resp.Messages += m.Messages
		resp.Events += m.Events
		resp.OverflowSuspends += m.OverflowSuspends
		resp.Resumes += m.Resumes
		resp.PerConversation[id] = &spaceStats{
			Participants:     m.Participants,
			ActiveConns:      m.ActiveConns,
			SuspendedConns:   m.SuspendedConns,
			LatestSeq:        m.LatestSeq,
			Messages:         m.Messages,
			Events:           m.Events,
			OverflowSuspends: m.OverflowSuspends,
			Resumes:          m.Resumes,
			Replayed:         m.Replayed,
			FullResyncs:      m.FullResyncs,
			PersistDropped:   m.PersistDropped,
			Holders:          m.Holders,
			QueueDepth:       m.QueueDepth,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}
