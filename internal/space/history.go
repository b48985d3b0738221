// ABOUTME: Fixed-size in-memory ring of the newest accepted messages.
// ABOUTME: Serves resume replay and recent-history reads without touching the store.

package space

import "github.com/2389/parley-hub/internal/messaging"

// history keeps the newest messages of one conversation. Sequences inside
// the ring are contiguous because the owning loop appends every accepted
// message in order, so gap detection reduces to comparing against the
// oldest retained sequence. Loop-owned, no locking.
type history struct {
	buf   []*messaging.Message
	head  int // index of the oldest entry
	count int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]*messaging.Message, capacity)}
}

func (h *history) append(m *messaging.Message) {
	if h.count < len(h.buf) {
		h.buf[(h.head+h.count)%len(h.buf)] = m
		h.count++
		return
	}
	h.buf[h.head] = m
	h.head = (h.head + 1) % len(h.buf)
}

func (h *history) at(i int) *messaging.Message {
	return h.buf[(h.head+i)%len(h.buf)]
}

// oldest returns the lowest retained sequence, 0 when empty.
func (h *history) oldest() uint64 {
	if h.count == 0 {
		return 0
	}
	return h.at(0).Sequence
}

// latest returns the highest retained sequence, 0 when empty.
func (h *history) latest() uint64 {
	if h.count == 0 {
		return 0
	}
	return h.at(h.count - 1).Sequence
}

// covers reports whether a read starting at from can be answered entirely
// from the ring.
func (h *history) covers(from uint64) bool {
	return h.count > 0 && from >= h.oldest()
}

// since returns messages with sequence > after, oldest first, at most limit
// (0 means no cap). contiguous is false when eviction has opened a gap
// between after and the oldest retained message, meaning the ring cannot
// prove completeness.
func (h *history) since(after uint64, limit int) (msgs []*messaging.Message, contiguous bool) {
	if h.count == 0 {
		return nil, true
	}
	if after+1 < h.oldest() {
		return nil, false
	}
	for i := 0; i < h.count; i++ {
		m := h.at(i)
		if m.Sequence <= after {
			continue
		}
		msgs = append(msgs, m)
		if limit > 0 && len(msgs) == limit {
			break
		}
	}
	return msgs, true
}

// slice returns messages with from <= sequence <= to, oldest first. A zero
// to is open-ended; a zero limit is uncapped.
func (h *history) slice(from, to uint64, limit int) []*messaging.Message {
	var out []*messaging.Message
	for i := 0; i < h.count; i++ {
		m := h.at(i)
		if m.Sequence < from {
			continue
		}
		if to > 0 && m.Sequence > to {
			break
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
