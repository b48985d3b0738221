// ABOUTME: Connection table for one conversation: accept, authenticate, suspend, resume.
// ABOUTME: Suspension parks the delivery cursor behind a single-use, TTL-bound token.

package connection

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/transport"
)

// Config tunes the connection table. Callbacks fire from pump and timer
// goroutines, never under the manager's lock.
type Config struct {
	OutboundQueueSize int           // per-connection buffer, default 256
	ResumeWindow      time.Duration // suspended session TTL, default 30s
	MultiDevice       bool          // allow several connections per participant

	// OnDisconnect fires when a connection's transport dies mid-write.
	OnDisconnect func(connID string)
	// OnResumeExpired fires when a resume token lapses unconsumed. The
	// owner treats it as the participant leaving for good.
	OnResumeExpired func(participantID string)
}

func (c Config) withDefaults() Config {
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = 30 * time.Second
	}
	return c
}

// ResumeToken is the handle a suspended session leaves behind. Single-use:
// consuming it destroys it whether or not the resume succeeds.
type ResumeToken struct {
	Token         string
	ExpiresAt     time.Time
	LastDelivered uint64
}

// DeliverOutcome reports a delivery attempt across a participant's
// connections.
type DeliverOutcome struct {
	Queued     int
	Overflowed []string // conn ids whose queues were full
}

type resumeState struct {
	token         string
	participantID string
	lastDelivered uint64
	expiresAt     time.Time
	timer         *time.Timer
}

// Manager owns every connection of one conversation. All state transitions
// run under its lock; per-connection delivery stays lock-free so a slow
// consumer cannot stall the table.
type Manager struct {
	mu          sync.RWMutex
	cfg         Config
	conns       map[string]*Conn
	states      map[string]State
	byPID       map[string]map[string]*Conn // authenticated conns per participant
	resume      map[string]*resumeState
	resumeByPID map[string][]string
	logger      *slog.Logger
}

// NewManager creates an empty connection table. Pass nil logger for default.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg.withDefaults(),
		conns:       make(map[string]*Conn),
		states:      make(map[string]State),
		byPID:       make(map[string]map[string]*Conn),
		resume:      make(map[string]*resumeState),
		resumeByPID: make(map[string][]string),
		logger:      logger.With("component", "connections"),
	}
}

// Accept admits a transport and starts its writer pump. The connection
// carries no identity until Authenticate.
func (m *Manager) Accept(tr transport.Transport) *Conn {
	conn := newConn(uuid.New().String(), tr, m.cfg.OutboundQueueSize, m.logger)
	conn.onDead = m.handleDead

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.states[conn.ID] = StateConnected
	m.mu.Unlock()

	go conn.pump()

	m.logger.Debug("connection accepted", "conn_id", conn.ID)
	return conn
}

// Authenticate binds a connection to a verified participant id. Under
// single-device it fails with ErrAuthConflict while the participant has an
// active connection, and a successful fresh login discards any parked
// session: the client chose to start over.
func (m *Manager) Authenticate(connID, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}

	switch m.states[connID] {
	case StateConnected:
	case StateAuthenticated:
		if conn.ParticipantID == participantID {
			return nil
		}
		return fmt.Errorf("connection already bound to %s", conn.ParticipantID)
	default:
		return fmt.Errorf("%w: %s", ErrConnClosed, connID)
	}

	if !m.cfg.MultiDevice {
		if len(m.byPID[participantID]) > 0 {
			return fmt.Errorf("%w: %s", ErrAuthConflict, participantID)
		}
		m.discardResumeLocked(participantID, "superseded by fresh login")
	}

	conn.ParticipantID = participantID
	m.states[connID] = StateAuthenticated
	set := m.byPID[participantID]
	if set == nil {
		set = make(map[string]*Conn)
		m.byPID[participantID] = set
	}
	set[connID] = conn

	m.logger.Info("connection authenticated",
		"conn_id", connID,
		"participant_id", participantID,
		"connections", len(set),
	)
	return nil
}

// Suspend parks an authenticated connection behind a resume token and
// closes its transport. A connection that never authenticated is simply
// destroyed: there is no cursor worth keeping.
func (m *Manager) Suspend(connID string) (*ResumeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}

	state := m.states[connID]
	m.removeConnLocked(connID)
	conn.close()

	if state != StateAuthenticated {
		m.logger.Debug("unauthenticated connection dropped", "conn_id", connID)
		return nil, nil
	}

	token, err := mintToken()
	if err != nil {
		return nil, fmt.Errorf("minting resume token: %w", err)
	}
	rs := &resumeState{
		token:         token,
		participantID: conn.ParticipantID,
		lastDelivered: conn.LastDelivered(),
		expiresAt:     time.Now().Add(m.cfg.ResumeWindow),
	}
	rs.timer = time.AfterFunc(m.cfg.ResumeWindow, func() { m.expireResume(token) })
	m.resume[token] = rs
	m.resumeByPID[rs.participantID] = append(m.resumeByPID[rs.participantID], token)

	m.logger.Info("connection suspended",
		"conn_id", connID,
		"participant_id", rs.participantID,
		"last_delivered", rs.lastDelivered,
		"resume_window", m.cfg.ResumeWindow,
	)
	return &ResumeToken{
		Token:         token,
		ExpiresAt:     rs.expiresAt,
		LastDelivered: rs.lastDelivered,
	}, nil
}

// Resume trades a live token for a fresh authenticated connection. Returns
// the connection and the parked delivery cursor; the caller replays
// history above it. The token is consumed either way.
func (m *Manager) Resume(token string, tr transport.Transport) (*Conn, uint64, error) {
	m.mu.Lock()
	rs, ok := m.resume[token]
	if !ok {
		m.mu.Unlock()
		return nil, 0, ErrResumeTokenUnknown
	}
	m.consumeResumeLocked(rs)

	if time.Now().After(rs.expiresAt) {
		m.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: lapsed at %s", ErrResumeTokenExpired, rs.expiresAt.Format(time.RFC3339))
	}
	if !m.cfg.MultiDevice && len(m.byPID[rs.participantID]) > 0 {
		m.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %s", ErrAuthConflict, rs.participantID)
	}

	conn := newConn(uuid.New().String(), tr, m.cfg.OutboundQueueSize, m.logger)
	conn.onDead = m.handleDead
	conn.ParticipantID = rs.participantID
	conn.lastDelivered.Store(rs.lastDelivered)

	m.conns[conn.ID] = conn
	m.states[conn.ID] = StateAuthenticated
	set := m.byPID[rs.participantID]
	if set == nil {
		set = make(map[string]*Conn)
		m.byPID[rs.participantID] = set
	}
	set[conn.ID] = conn
	m.mu.Unlock()

	go conn.pump()

	m.logger.Info("connection resumed",
		"conn_id", conn.ID,
		"participant_id", rs.participantID,
		"cursor", rs.lastDelivered,
	)
	return conn, rs.lastDelivered, nil
}

// CloseConn removes and closes a connection with no resume state. Used for
// deliberate goodbyes and kicks.
func (m *Manager) CloseConn(connID string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}
	m.removeConnLocked(connID)
	m.mu.Unlock()

	conn.close()
	m.logger.Debug("connection closed", "conn_id", connID)
	return nil
}

// ForceCloseParticipant tears down every connection and parked session of a
// departing participant. Returns how many live connections were closed.
func (m *Manager) ForceCloseParticipant(participantID string) int {
	m.mu.Lock()
	var victims []*Conn
	for connID, conn := range m.byPID[participantID] {
		victims = append(victims, conn)
		m.removeConnLocked(connID)
	}
	m.discardResumeLocked(participantID, "participant left")
	m.mu.Unlock()

	for _, conn := range victims {
		conn.close()
	}
	if len(victims) > 0 {
		m.logger.Info("participant connections closed",
			"participant_id", participantID,
			"count", len(victims),
		)
	}
	return len(victims)
}

// Deliver enqueues env on every authenticated connection of a participant.
// Full queues are reported, not waited on.
func (m *Manager) Deliver(participantID string, env *messaging.Envelope) DeliverOutcome {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byPID[participantID]))
	for _, conn := range m.byPID[participantID] {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var out DeliverOutcome
	for _, conn := range conns {
		switch err := conn.Enqueue(env); {
		case err == nil:
			out.Queued++
		case errors.Is(err, ErrQueueOverflow):
			out.Overflowed = append(out.Overflowed, conn.ID)
		}
	}
	return out
}

// AuthenticatedIDs lists participants with at least one live connection.
func (m *Manager) AuthenticatedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byPID))
	for pid, set := range m.byPID {
		if len(set) > 0 {
			out = append(out, pid)
		}
	}
	return out
}

// IsConnected reports whether a participant has a live connection.
func (m *Manager) IsConnected(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPID[participantID]) > 0
}

// Get returns a connection and its state.
func (m *Manager) Get(connID string) (*Conn, State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	if !ok {
		return nil, StateClosed, false
	}
	return conn, m.states[connID], true
}

// ParticipantOf resolves the participant bound to a connection.
func (m *Manager) ParticipantOf(connID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}
	if m.states[connID] != StateAuthenticated {
		return "", fmt.Errorf("%w: %s", ErrNotAuthenticated, connID)
	}
	return conn.ParticipantID, nil
}

// ParkedTokenFor returns the newest unexpired resume token parked for a
// participant. Disconnected clients usually never receive their token (the
// transport died first), so a reconnect proves identity again and the
// session layer resumes through this lookup instead.
func (m *Manager) ParkedTokenFor(participantID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := m.resumeByPID[participantID]
	for i := len(tokens) - 1; i >= 0; i-- {
		if rs, ok := m.resume[tokens[i]]; ok && time.Now().Before(rs.expiresAt) {
			return rs.token, true
		}
	}
	return "", false
}

// Counts reports live and suspended session totals, for stats.
func (m *Manager) Counts() (active, suspended int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns), len(m.resume)
}

// Close tears the whole table down. Pending resume timers are stopped so
// no expiry callbacks fire after shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Conn)
	m.states = make(map[string]State)
	m.byPID = make(map[string]map[string]*Conn)
	for _, rs := range m.resume {
		rs.timer.Stop()
	}
	m.resume = make(map[string]*resumeState)
	m.resumeByPID = make(map[string][]string)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

func (m *Manager) handleDead(connID string) {
	if m.cfg.OnDisconnect != nil {
		m.cfg.OnDisconnect(connID)
	}
}

// expireResume is the token TTL timer body.
func (m *Manager) expireResume(token string) {
	m.mu.Lock()
	rs, ok := m.resume[token]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.consumeResumeLocked(rs)
	m.mu.Unlock()

	m.logger.Info("resume window lapsed",
		"participant_id", rs.participantID,
		"last_delivered", rs.lastDelivered,
	)
	if m.cfg.OnResumeExpired != nil {
		m.cfg.OnResumeExpired(rs.participantID)
	}
}

func (m *Manager) removeConnLocked(connID string) {
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	delete(m.conns, connID)
	delete(m.states, connID)
	if conn.ParticipantID != "" {
		if set := m.byPID[conn.ParticipantID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(m.byPID, conn.ParticipantID)
			}
		}
	}
}

func (m *Manager) consumeResumeLocked(rs *resumeState) {
	rs.timer.Stop()
	delete(m.resume, rs.token)
	tokens := m.resumeByPID[rs.participantID]
	for i, t := range tokens {
		if t == rs.token {
			tokens = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	if len(tokens) == 0 {
		delete(m.resumeByPID, rs.participantID)
	} else {
		m.resumeByPID[rs.participantID] = tokens
	}
}

func (m *Manager) discardResumeLocked(participantID, why string) {
	tokens := m.resumeByPID[participantID]
	if len(tokens) == 0 {
		return
	}
	for _, token := range tokens {
		if rs, ok := m.resume[token]; ok {
			rs.timer.Stop()
			delete(m.resume, token)
		}
	}
	delete(m.resumeByPID, participantID)
	m.logger.Info("parked session discarded",
		"participant_id", participantID,
		"reason", why,
	)
}

// mintToken produces a 32-byte URL-safe random token.
func mintToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
