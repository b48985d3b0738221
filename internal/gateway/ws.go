// ABOUTME: WebSocket session endpoint: hello/resume handshake, then the frame loop.
// ABOUTME: The socket doubles as the hub transport; writes are serialized by a mutex.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley-hub/internal/connection"
	"github.com/2389/parley-hub/internal/identity"
	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/participant"
	"github.com/2389/parley-hub/internal/space"
	"github.com/2389/parley-hub/internal/turn"
)

const handshakeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are not a target surface; token auth carries trust.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is every message a client can send, discriminated by Type.
// Unused fields for a given type are simply ignored.
type clientFrame struct {
	Type string `json:"type"`

	// hello / resume
	ConversationID string                  `json:"conversation_id,omitempty"`
	Preset         string                  `json:"preset,omitempty"`
	Token          string                  `json:"token,omitempty"`
	SSH            *identity.SSHCredential `json:"ssh,omitempty"`
	ParticipantID  string                  `json:"participant_id,omitempty"`
	Name           string                  `json:"name,omitempty"`
	Kind           string                  `json:"kind,omitempty"`
	Capabilities   []string                `json:"capabilities,omitempty"`
	Topics         []string                `json:"topics,omitempty"`
	ResumeToken    string                  `json:"resume_token,omitempty"`

	// send
	ClientMsgID string          `json:"client_msg_id,omitempty"`
	MsgType     string          `json:"msg_type,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// turn / bidding / interruption
	Urgency    float64 `json:"urgency,omitempty"`
	EstimateMS int64   `json:"estimate_ms,omitempty"`
	ProposalID string  `json:"proposal_id,omitempty"`
	Approve    bool    `json:"approve,omitempty"`
}

// serverFrame is a control reply: welcome, ack, or error. Conversation
// traffic itself travels as envelopes, not serverFrames.
type serverFrame struct {
	Type string `json:"type"`
	Op   string `json:"op,omitempty"` // the client frame type being answered

	// welcome
	ConversationID string `json:"conversation_id,omitempty"`
	ParticipantID  string `json:"participant_id,omitempty"`
	HeartbeatMS    int64  `json:"heartbeat_ms,omitempty"`
	LatestSeq      uint64 `json:"latest_seq,omitempty"`
	Resumed        bool   `json:"resumed,omitempty"`
	Replayed       int    `json:"replayed,omitempty"`
	FullResync     bool   `json:"full_resync,omitempty"`

	// ack detail
	State      string `json:"state,omitempty"`
	Position   int    `json:"position,omitempty"`
	Sequence   uint64 `json:"sequence,omitempty"`
	Delivered  int    `json:"delivered,omitempty"`
	Decision   string `json:"decision,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	WindowID   string `json:"window_id,omitempty"`
	ClosesAt   string `json:"closes_at,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsTransport adapts one websocket to the hub's transport seam. The mutex
// serializes the connection pump's envelope writes with the session's
// control replies; gorilla allows one concurrent writer.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (t *wsTransport) Send(env *messaging.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteJSON(env)
}

func (t *wsTransport) control(frame *serverFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteJSON(frame)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.ws.Close()
}

// session is one live websocket attachment to one conversation.
type session struct {
	gw     *Gateway
	tr     *wsTransport
	logger *slog.Logger

	sp     *space.Space
	conn   *connection.Conn
	pid    string
	joined bool // this session performed the Join, so a goodbye leaves
}

// handleWS upgrades the socket and runs the session until it ends.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s := &session{
		gw:     g,
		tr:     &wsTransport{ws: ws},
		logger: g.logger.With("component", "session", "remote", r.RemoteAddr),
	}
	s.run(r.Context())
}

func (s *session) run(ctx context.Context) {
	defer func() { _ = s.tr.Close() }()

	if err := s.handshake(ctx); err != nil {
		s.logger.Debug("handshake failed", "error", err)
		return
	}
	s.logger = s.logger.With("conversation_id", s.sp.ID, "participant_id", s.pid)
	s.logger.Info("session established")

	for {
		var frame clientFrame
		if err := s.tr.ws.ReadJSON(&frame); err != nil {
			s.suspend(err)
			return
		}
		if frame.Type == "leave" {
			s.goodbye()
			return
		}
		s.dispatch(&frame)
	}
}

// handshake reads the first frame, which must be hello or resume, and binds
// the session to a space and a live connection.
func (s *session) handshake(ctx context.Context) error {
	_ = s.tr.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = s.tr.ws.SetReadDeadline(time.Time{}) }()

	var frame clientFrame
	if err := s.tr.ws.ReadJSON(&frame); err != nil {
		return fmt.Errorf("reading handshake frame: %w", err)
	}

	switch frame.Type {
	case "hello":
		return s.hello(ctx, &frame)
	case "resume":
		return s.resumeSession(ctx, &frame)
	default:
		s.sendError(frame.Type, "bad_handshake", "first frame must be hello or resume")
		return fmt.Errorf("unexpected handshake frame %q", frame.Type)
	}
}

// hello resolves identity, joins the conversation, and authenticates a
// fresh connection. A duplicate join with a parked session resumes it
// instead, covering clients whose previous transport died before the
// resume token could reach them.
func (s *session) hello(ctx context.Context, frame *clientFrame) error {
	ident, err := s.resolveIdentity(ctx, frame)
	if err != nil {
		s.sendError("hello", "auth_failed", err.Error())
		return err
	}

	sp, err := s.gw.spaceFor(frame.ConversationID, frame.Preset)
	if err != nil {
		s.sendError("hello", "bad_conversation", err.Error())
		return err
	}

	p := &participant.Participant{
		ID:           ident.ParticipantID,
		Kind:         ident.Kind,
		DisplayName:  ident.DisplayName,
		Capabilities: ident.Capabilities,
		Priority:     ident.Priority,
	}
	if err := sp.Join(p); err != nil {
		if errors.Is(err, participant.ErrDuplicateParticipant) {
			return s.adoptParkedSession(sp, ident.ParticipantID, frame)
		}
		s.sendError("hello", "join_failed", err.Error())
		return err
	}

	conn := sp.AcceptConn(s.tr)
	if err := sp.Authenticate(conn.ID, ident.ParticipantID); err != nil {
		_ = sp.Leave(ident.ParticipantID)
		s.sendError("hello", "auth_conflict", err.Error())
		return err
	}
	if len(frame.Topics) > 0 {
		_ = sp.Subscribe(ident.ParticipantID, frame.Topics...)
	}

	s.sp = sp
	s.conn = conn
	s.pid = ident.ParticipantID
	s.joined = true
	return s.sendWelcome(false, 0, false)
}

// adoptParkedSession handles a hello for an id that is already a member:
// legitimate when the participant's previous connection is suspended and
// identity was just re-proven. A member with a live connection is a real
// conflict.
func (s *session) adoptParkedSession(sp *space.Space, pid string, frame *clientFrame) error {
	res, err := sp.ResumeByParticipant(pid, s.tr)
	if err != nil {
		s.sendError("hello", "duplicate_participant", fmt.Sprintf("%s is already in the conversation", pid))
		return err
	}
	if len(frame.Topics) > 0 {
		_ = sp.Subscribe(pid, frame.Topics...)
	}
	s.sp = sp
	s.conn = res.Conn
	s.pid = pid
	s.joined = true
	return s.sendWelcome(true, res.Replayed, res.FullResync)
}

// resumeSession revives a suspended connection from an explicit token, or
// from re-proven identity when the client never received one.
func (s *session) resumeSession(ctx context.Context, frame *clientFrame) error {
	sp, err := s.gw.hub.Get(frame.ConversationID)
	if err != nil {
		s.sendError("resume", "bad_conversation", err.Error())
		return err
	}

	var res *space.ResumeResult
	if frame.ResumeToken != "" {
		res, err = sp.Resume(frame.ResumeToken, s.tr)
	} else {
		var ident *identity.Identity
		ident, err = s.resolveIdentity(ctx, frame)
		if err == nil {
			res, err = sp.ResumeByParticipant(ident.ParticipantID, s.tr)
		}
	}
	if err != nil {
		s.sendError("resume", resumeErrorCode(err), err.Error())
		return err
	}

	s.sp = sp
	s.conn = res.Conn
	s.pid = res.Conn.ParticipantID
	s.joined = true
	return s.sendWelcome(true, res.Replayed, res.FullResync)
}

func resumeErrorCode(err error) string {
	switch {
	case errors.Is(err, connection.ErrResumeTokenExpired):
		return "resume_token_expired"
	case errors.Is(err, connection.ErrResumeTokenUnknown):
		return "resume_token_unknown"
	case errors.Is(err, connection.ErrAuthConflict):
		return "auth_conflict"
	default:
		return "resume_failed"
	}
}

func (s *session) resolveIdentity(ctx context.Context, frame *clientFrame) (*identity.Identity, error) {
	cred := identity.Credential{
		Token:         frame.Token,
		SSH:           frame.SSH,
		RequestedID:   frame.ParticipantID,
		RequestedName: frame.Name,
		RequestedKind: participant.Kind(frame.Kind),
	}
	return s.gw.identity.Resolve(ctx, cred)
}

func (s *session) sendWelcome(resumed bool, replayed int, fullResync bool) error {
	var kind participant.Kind
	var latest uint64
	if snap, err := s.sp.Snapshot(); err == nil {
		latest = snap.LatestSeq
		for _, p := range snap.Participants {
			if p.ID == s.pid {
				kind = p.Kind
				break
			}
		}
	}
	return s.tr.control(&serverFrame{
		Type:           "welcome",
		ConversationID: s.sp.ID,
		ParticipantID:  s.pid,
		HeartbeatMS:    participant.HeartbeatInterval(kind).Milliseconds(),
		LatestSeq:      latest,
		Resumed:        resumed,
		Replayed:       replayed,
		FullResync:     fullResync,
	})
}

// suspend parks the connection after a transport failure so the client can
// resume within the window.
func (s *session) suspend(cause error) {
	if _, err := s.sp.Disconnect(s.conn.ID); err != nil && !errors.Is(err, space.ErrSpaceClosed) {
		s.logger.Warn("suspend after read failure", "error", err)
	}
	s.logger.Info("session suspended", "cause", cause)
}

// goodbye is a deliberate departure: the participant leaves and no resume
// state is kept.
func (s *session) goodbye() {
	if err := s.sp.Leave(s.pid); err != nil && !errors.Is(err, space.ErrSpaceClosed) {
		s.logger.Warn("leave failed", "error", err)
	}
	s.logger.Info("session ended")
}

// dispatch executes one post-handshake frame and answers with ack or error.
func (s *session) dispatch(frame *clientFrame) {
	var err error
	switch frame.Type {
	case "heartbeat":
		s.sp.Heartbeat(s.pid)
		return // heartbeats are not acked

	case "send":
		if err = s.handleSend(frame); err == nil {
			return // handleSend acked with sequence/delivered (or duplicate)
		}

	case "request_turn":
		var out *turn.RequestOutcome
		out, err = s.sp.RequestTurn(s.pid, frame.Urgency, time.Duration(frame.EstimateMS)*time.Millisecond)
		if err == nil {
			s.sendAck(&serverFrame{Type: "ack", Op: frame.Type, State: string(out.State), Position: out.Position})
			return
		}

	case "cancel_turn":
		var cancelled bool
		cancelled, err = s.sp.CancelTurn(s.pid)
		if err == nil {
			state := "cancelled"
			if !cancelled {
				state = "not_pending"
			}
			s.sendAck(&serverFrame{Type: "ack", Op: frame.Type, State: state})
			return
		}

	case "release_turn":
		err = s.sp.ReleaseTurn(s.pid)

	case "bid":
		var receipt *turn.Receipt
		receipt, err = s.sp.SubmitBid(s.pid, frame.Urgency, time.Duration(frame.EstimateMS)*time.Millisecond)
		if err == nil {
			s.sendAck(&serverFrame{
				Type:     "ack",
				Op:       frame.Type,
				WindowID: receipt.WindowID,
				ClosesAt: receipt.ClosesAt.Format(time.RFC3339Nano),
			})
			return
		}

	case "withdraw_bid":
		var withdrew bool
		withdrew, err = s.sp.WithdrawBid(s.pid)
		if err == nil {
			state := "withdrawn"
			if !withdrew {
				state = "no_bid"
			}
			s.sendAck(&serverFrame{Type: "ack", Op: frame.Type, State: state})
			return
		}

	case "interrupt":
		var resp *turn.Response
		resp, err = s.sp.RequestInterrupt(s.pid)
		if err == nil {
			s.sendAck(&serverFrame{
				Type:       "ack",
				Op:         frame.Type,
				Decision:   string(resp.Decision),
				ProposalID: resp.ProposalID,
			})
			return
		}

	case "vote":
		err = s.sp.Vote(s.pid, frame.ProposalID, frame.Approve)

	case "answer_interrupt":
		err = s.sp.AnswerInterrupt(s.pid, frame.ProposalID, frame.Approve)

	case "subscribe":
		err = s.sp.Subscribe(s.pid, frame.Topics...)

	case "unsubscribe":
		err = s.sp.Unsubscribe(s.pid, frame.Topics...)

	default:
		s.sendError(frame.Type, "unknown_frame", fmt.Sprintf("unknown frame type %q", frame.Type))
		return
	}

	if err != nil {
		s.sendError(frame.Type, errorCode(err), err.Error())
		return
	}
	s.sendAck(&serverFrame{Type: "ack", Op: frame.Type})
}

// handleSend accepts a message, suppressing duplicate retries by
// client_msg_id. A duplicate acks without re-accepting, which keeps
// at-least-once clients exactly-once on the hub side.
func (s *session) handleSend(frame *clientFrame) error {
	dedupeKey := ""
	if frame.ClientMsgID != "" {
		dedupeKey = s.sp.ID + ":" + s.pid + ":" + frame.ClientMsgID
		if s.gw.dedupe.Check(dedupeKey) {
			s.sendAck(&serverFrame{Type: "ack", Op: "send", Duplicate: true})
			return nil
		}
	}

	msgType := messaging.MessageType(frame.MsgType)
	if frame.MsgType == "" {
		msgType = messaging.TypeSpeech
	}
	report, err := s.sp.Send(s.pid, space.SendRequest{
		Type:    msgType,
		Topic:   frame.Topic,
		Payload: frame.Payload,
	})
	if err != nil {
		return err
	}
	// Only an accepted send is marked: a retry after a turn denial must go
	// through again.
	if dedupeKey != "" {
		s.gw.dedupe.Mark(dedupeKey)
	}
	s.sendAck(&serverFrame{
		Type:      "ack",
		Op:        "send",
		Sequence:  report.Sequence,
		Delivered: report.Delivered(),
	})
	return nil
}

func (s *session) sendAck(frame *serverFrame) {
	if err := s.tr.control(frame); err != nil {
		s.logger.Debug("ack write failed", "error", err)
	}
}

func (s *session) sendError(op, code, message string) {
	if err := s.tr.control(&serverFrame{Type: "error", Op: op, Code: code, Message: message}); err != nil {
		s.logger.Debug("error write failed", "error", err)
	}
}

// errorCode maps hub sentinels to wire error codes so clients can branch
// without parsing messages.
func errorCode(err error) string {
	switch {
	case errors.Is(err, turn.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, turn.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, turn.ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, turn.ErrWindowAlreadyOpen):
		return "window_already_open"
	case errors.Is(err, turn.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, turn.ErrUnknownProposal):
		return "unknown_proposal"
	case errors.Is(err, participant.ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, participant.ErrDuplicateParticipant):
		return "duplicate_participant"
	case errors.Is(err, connection.ErrAuthConflict):
		return "auth_conflict"
	case errors.Is(err, space.ErrSpaceClosed):
		return "conversation_closed"
	default:
		return "internal"
	}
}
