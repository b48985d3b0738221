// ABOUTME: Hub: the set of live conversation spaces in one process.
// ABOUTME: Creates, looks up, and reaps spaces; shares the store and id generator.

package space

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/store"
)

// HubConfig fixes process-wide conversation behavior.
type HubConfig struct {
	// Defaults seed the config of every space created without an explicit
	// override.
	Defaults Config
	// JanitorInterval is how often empty spaces are checked against their
	// linger. Zero disables reaping.
	JanitorInterval time.Duration
	// Node distinguishes this process in generated message ids.
	Node int64
}

// Hub owns every live conversation space. Spaces are created on demand,
// share one message store and id generator, and are destroyed either
// explicitly or by the janitor once they sit empty past their linger.
type Hub struct {
	mu     sync.RWMutex
	spaces map[string]*Space

	cfg    HubConfig
	st     store.MessageStore
	ids    *messaging.IDGenerator
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates the hub and starts its janitor. A nil store disables
// persistence for every space.
func NewHub(cfg HubConfig, st store.MessageStore, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Node <= 0 {
		cfg.Node = 1
	}
	ids, err := messaging.NewIDGenerator(cfg.Node)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		spaces: make(map[string]*Space),
		cfg:    cfg,
		st:     st,
		ids:    ids,
		logger: logger.With("component", "hub"),
		done:   make(chan struct{}),
	}
	if cfg.JanitorInterval > 0 {
		go h.janitor(cfg.JanitorInterval)
	}
	return h, nil
}

// Create starts a new conversation space. An empty id gets a generated
// one; a nil cfg uses the hub defaults. Fails with ErrConversationExists
// when the id is already live.
func (h *Hub) Create(id string, cfg *Config) (*Space, error) {
	if id == "" {
		id = uuid.New().String()
	}
	spaceCfg := h.cfg.Defaults
	if cfg != nil {
		spaceCfg = *cfg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return nil, ErrSpaceClosed
	default:
	}
	if _, exists := h.spaces[id]; exists {
		return nil, ErrConversationExists
	}
	s := New(id, spaceCfg, h.st, h.ids, h.logger)
	h.spaces[id] = s
	h.logger.Info("conversation created", "conversation_id", id)
	return s, nil
}

// Get returns a live space or ErrUnknownConversation.
func (h *Hub) Get(id string) (*Space, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.spaces[id]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return s, nil
}

// GetOrCreate returns the live space for id, creating it with the hub
// defaults when absent. The second result reports whether it was created.
func (h *Hub) GetOrCreate(id string) (*Space, bool, error) {
	h.mu.RLock()
	s, ok := h.spaces[id]
	h.mu.RUnlock()
	if ok {
		return s, false, nil
	}
	s, err := h.Create(id, nil)
	if errors.Is(err, ErrConversationExists) {
		// Lost the race to another creator; theirs wins.
		s, gerr := h.Get(id)
		return s, false, gerr
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// List returns the live conversation ids, sorted.
func (h *Hub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.spaces))
	for id := range h.spaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports how many spaces are live.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.spaces)
}

// Remove closes a space and forgets it. With purge set, its persisted
// history goes too. Removing an unknown id is not an error.
func (h *Hub) Remove(ctx context.Context, id string, purge bool) error {
	h.mu.Lock()
	s, ok := h.spaces[id]
	delete(h.spaces, id)
	h.mu.Unlock()

	if ok {
		s.Close()
		h.logger.Info("conversation removed", "conversation_id", id, "purge", purge)
	}
	if purge && h.st != nil {
		return h.st.DeleteConversation(ctx, id)
	}
	return nil
}

// Metrics aggregates per-space metrics, keyed by conversation id. Spaces
// that close mid-collection are skipped.
func (h *Hub) Metrics() map[string]*Metrics {
	h.mu.RLock()
	spaces := make([]*Space, 0, len(h.spaces))
	for _, s := range h.spaces {
		spaces = append(spaces, s)
	}
	h.mu.RUnlock()

	out := make(map[string]*Metrics, len(spaces))
	for _, s := range spaces {
		m, err := s.Metrics()
		if err != nil {
			continue
		}
		out[s.ID] = m
	}
	return out
}

// Close stops the janitor and closes every space. Idempotent.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		spaces := make([]*Space, 0, len(h.spaces))
		for _, s := range h.spaces {
			spaces = append(spaces, s)
		}
		h.spaces = make(map[string]*Space)
		h.mu.Unlock()

		for _, s := range spaces {
			s.Close()
		}
		h.logger.Info("hub closed", "conversations", len(spaces))
	})
}

func (h *Hub) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.reapEmpty()
		case <-h.done:
			return
		}
	}
}

// reapEmpty removes spaces that sat memberless past their linger. History
// is kept: only purge deletes it.
func (h *Hub) reapEmpty() {
	for _, id := range h.List() {
		s, err := h.Get(id)
		if err != nil {
			continue
		}
		if s.EmptyFor() >= s.Linger() {
			_ = h.Remove(context.Background(), id, false)
			h.logger.Info("empty conversation reaped", "conversation_id", id)
		}
	}
}
