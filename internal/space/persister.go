// ABOUTME: Asynchronous writer draining accepted messages into the message store.
// ABOUTME: The loop never blocks on storage; overflow drops with a warning.

package space

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/store"
)

const persistTimeout = 5 * time.Second

// persister feeds the message store from a buffered channel so a slow
// store never stalls the conversation loop. The in-memory ring remains
// authoritative for live replay; dropped writes only thin out long-term
// history.
type persister struct {
	st      store.MessageStore
	ch      chan *messaging.Message
	done    chan struct{}
	dropped atomic.Uint64
	logger  *slog.Logger
}

// newPersister returns nil when no store is configured; all methods are
// nil-safe.
func newPersister(st store.MessageStore, buffer int, logger *slog.Logger) *persister {
	if st == nil {
		return nil
	}
	if buffer < 1 {
		buffer = 256
	}
	p := &persister{
		st:     st,
		ch:     make(chan *messaging.Message, buffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "persister"),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(m *messaging.Message) {
	if p == nil {
		return
	}
	select {
	case p.ch <- m:
	default:
		p.dropped.Add(1)
		p.logger.Warn("persist buffer full, dropping write",
			"conversation_id", m.ConversationID,
			"sequence", m.Sequence,
		)
	}
}

func (p *persister) droppedCount() uint64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

func (p *persister) run() {
	for m := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := p.st.Append(ctx, m); err != nil {
			p.logger.Error("message persist failed",
				"conversation_id", m.ConversationID,
				"sequence", m.Sequence,
				"error", err,
			)
		}
		cancel()
	}
	close(p.done)
}

// close flushes buffered writes and waits for the writer to finish. Only
// the owning loop calls it, exactly once, during shutdown.
func (p *persister) close() {
	if p == nil {
		return
	}
	close(p.ch)
	<-p.done
}
