// ABOUTME: Transport is the hub's only requirement on a wire protocol.
// ABOUTME: Each connection owns one transport; writers are single-goroutine.

package transport

import (
	"errors"

	"github.com/2389/parley-hub/internal/messaging"
)

// ErrClosed indicates the transport is no longer writable.
var ErrClosed = errors.New("transport closed")

// Transport delivers envelopes to one remote peer. Send is called from a
// single writer goroutine per connection and may block on the wire; Close
// must be safe to call from any goroutine and more than once.
type Transport interface {
	Send(env *messaging.Envelope) error
	Close() error
}
