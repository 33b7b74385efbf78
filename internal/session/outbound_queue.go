package session

import (
	"sync"

	"github.com/syncmesh/hub/internal/protocol"
)

// droppable reports whether envelopes of this kind may be shed under
// backpressure. Control and SyncAck are excluded per §4.3's shed policy.
func droppable(kind protocol.Kind) bool {
	switch kind {
	case protocol.KindControl, protocol.KindSyncAck:
		return false
	default:
		return true
	}
}

// outboundQueue is the per-session bounded buffer described in §4.3 and
// §5 ("the only buffer that may grow under load"). It is a plain
// mutex-guarded slice rather than a channel because the shed policy needs
// to inspect and evict an arbitrary element, not just head/tail.
type outboundQueue struct {
	mu       sync.Mutex
	items    []protocol.Envelope
	capacity int
	notify   chan struct{}

	// shed counts dropped envelopes for the BackpressureShed metric.
	shed int64
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{
		items:    make([]protocol.Envelope, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues env. If the queue is full it evicts the oldest droppable
// entry to make room; if none exists and env itself is droppable, env is
// dropped and ok is false. Non-droppable envelopes (Control, SyncAck) are
// never the rejected party: if the queue is saturated with non-droppable
// entries the queue grows by one rather than lose one, since that
// situation is self-limiting (a session only ever has a handful of
// Control/SyncAck messages in flight at once).
func (q *outboundQueue) push(env protocol.Envelope) (ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		if idx, found := q.oldestDroppableLocked(); found {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.shed++
		} else if droppable(env.Kind) {
			q.shed++
			return false
		}
	}

	q.items = append(q.items, env)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *outboundQueue) oldestDroppableLocked() (int, bool) {
	for i, e := range q.items {
		if droppable(e.Kind) {
			return i, true
		}
	}
	return 0, false
}

// pop removes and returns the head of the queue, or ok=false if empty.
func (q *outboundQueue) pop() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return protocol.Envelope{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

func (q *outboundQueue) shedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shed
}
