// ABOUTME: In-process transport backed by a buffered channel.
// ABOUTME: Used by tests and local participants; a full buffer models a slow peer.

package transport

import (
	"sync"

	"github.com/2389/parley-hub/internal/messaging"
)

// Pipe is a Transport whose far end is a channel in the same process.
// When the buffer is full, Send blocks until the reader catches up or the
// pipe closes, exactly like a stalled network peer.
type Pipe struct {
	ch        chan *messaging.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a pipe with the given receive buffer.
func NewPipe(buffer int) *Pipe {
	return &Pipe{
		ch:     make(chan *messaging.Envelope, buffer),
		closed: make(chan struct{}),
	}
}

// Send delivers an envelope to the reader side.
func (p *Pipe) Send(env *messaging.Envelope) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	select {
	case p.ch <- env:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Close makes the pipe unwritable. Safe to call multiple times.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// Receive exposes the reader side.
func (p *Pipe) Receive() <-chan *messaging.Envelope {
	return p.ch
}

// Closed reports whether the pipe has been closed.
func (p *Pipe) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
