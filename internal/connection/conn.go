// ABOUTME: One participant connection: bounded outbound queue and writer pump.
// ABOUTME: The pump is the transport's single writer; Enqueue never blocks.

package connection

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/parley-hub/internal/messaging"
	"github.com/2389/parley-hub/internal/transport"
)

// State tracks a connection through its lifecycle. Transitions run under
// the manager's lock; the zero value is not a valid state.
type State string

const (
	// StateConnected: transport accepted, identity not yet proven.
	StateConnected State = "connected"
	// StateAuthenticated: bound to a participant, receiving traffic.
	StateAuthenticated State = "authenticated"
	// StateSuspended: transport gone, delivery cursor parked behind a
	// resume token.
	StateSuspended State = "suspended"
	// StateClosed: terminal.
	StateClosed State = "closed"
)

// Conn is one accepted transport attachment. Identity fields are set by
// the manager at authentication and never change afterwards.
type Conn struct {
	ID            string
	ParticipantID string // empty until authenticated

	tr        transport.Transport
	queue     chan *messaging.Envelope
	done      chan struct{}
	closeOnce sync.Once

	lastDelivered atomic.Uint64
	dead          atomic.Bool

	acceptedAt time.Time
	logger     *slog.Logger

	// onDead fires once from the pump goroutine when the transport
	// rejects a write. Set by the manager before the pump starts.
	onDead func(connID string)
}

func newConn(id string, tr transport.Transport, queueSize int, logger *slog.Logger) *Conn {
	return &Conn{
		ID:         id,
		tr:         tr,
		queue:      make(chan *messaging.Envelope, queueSize),
		done:       make(chan struct{}),
		acceptedAt: time.Now(),
		logger:     logger,
	}
}

// Enqueue places env on the outbound queue without blocking. A full queue
// returns ErrQueueOverflow: the hub never stalls on one slow consumer.
func (c *Conn) Enqueue(env *messaging.Envelope) error {
	if c.dead.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.queue <- env:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// LastDelivered returns the highest message sequence written to the
// transport. Event envelopes never advance it.
func (c *Conn) LastDelivered() uint64 {
	return c.lastDelivered.Load()
}

// QueueDepth reports pending envelopes, for stats.
func (c *Conn) QueueDepth() int {
	return len(c.queue)
}

// pump drains the queue to the transport until the queue closes or a write
// fails. It is the only goroutine that touches the transport writer.
func (c *Conn) pump() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.queue:
			if err := c.tr.Send(env); err != nil {
				c.dead.Store(true)
				c.logger.Debug("transport write failed",
					"conn_id", c.ID,
					"error", err,
				)
				if c.onDead != nil {
					c.onDead(c.ID)
				}
				return
			}
			if seq := env.Seq(); seq > 0 {
				c.lastDelivered.Store(seq)
			}
		}
	}
}

// close stops the pump and the transport. Safe to call more than once;
// callers go through the manager, which owns state transitions.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		close(c.done)
		if err := c.tr.Close(); err != nil {
			c.logger.Debug("transport close failed", "conn_id", c.ID, "error", err)
		}
	})
}
