package nat64

import (
	"container/list"
	"sync"
)

// pendingSYNEntry is one V4_INIT session waiting for either a matching v6
// SYN (simultaneous open) or its own SYN timer to fire.
type pendingSYNEntry struct {
	session *Session
	packet  []byte // the original v4 SYN, kept to build the ICMP error on timeout
	elem    *list.Element
}

// PendingSYNQueue holds V4_INIT sessions that arrived as an unsolicited v4
// SYN with no existing session (spec.md §4.7 "Pending SYN queue"). It is
// bounded; once full, the oldest entry is evicted to make room, per
// spec.md's fixed-capacity requirement — a full queue drops the oldest
// half-open attempt rather than the newest.
type PendingSYNQueue struct {
	mu       sync.Mutex
	capacity int
	lst      *list.List
	bySess   map[*Session]*pendingSYNEntry

	// sendUnreachable emits an ICMPv4 Destination Unreachable referencing
	// the stored packet (spec.md §4.7's timeout side effect); the Gateway's
	// callback uses the Port Unreachable code.
	sendUnreachable func(session *Session, packet []byte)
}

// NewPendingSYNQueue builds a queue with the given capacity. sendUnreachable
// may be nil in tests that don't exercise the timeout path.
func NewPendingSYNQueue(capacity int, sendUnreachable func(session *Session, packet []byte)) *PendingSYNQueue {
	return &PendingSYNQueue{
		capacity:        capacity,
		lst:             list.New(),
		bySess:          make(map[*Session]*pendingSYNEntry),
		sendUnreachable: sendUnreachable,
	}
}

// Add enqueues session with its originating packet. If the queue is at
// capacity, the oldest entry is evicted (dropped silently, no ICMP).
func (q *PendingSYNQueue) Add(session *Session, packet []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.bySess[session]; exists {
		return
	}

	if q.capacity > 0 && q.lst.Len() >= q.capacity {
		front := q.lst.Front()
		if front != nil {
			evicted := front.Value.(*pendingSYNEntry)
			q.lst.Remove(front)
			delete(q.bySess, evicted.session)
		}
	}

	buf := make([]byte, len(packet))
	copy(buf, packet)
	entry := &pendingSYNEntry{session: session, packet: buf}
	entry.elem = q.lst.PushBack(entry)
	q.bySess[session] = entry
}

// Remove drops session from the queue without sending anything — used when
// the simultaneous-open v6 SYN arrives before the SYN timer fires
// (spec.md §4.5's V4_INIT + v6 SYN -> ESTABLISHED transition).
func (q *PendingSYNQueue) Remove(session *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(session)
}

func (q *PendingSYNQueue) removeLocked(session *Session) *pendingSYNEntry {
	entry, ok := q.bySess[session]
	if !ok {
		return nil
	}
	q.lst.Remove(entry.elem)
	delete(q.bySess, session)
	return entry
}

// ExpireSYN is called by the syn expirerList when a V4_INIT session's timer
// fires. If the session is still queued (it wasn't already resolved or
// evicted), the stored packet is used to emit an ICMP error before the
// entry is discarded.
func (q *PendingSYNQueue) ExpireSYN(session *Session) {
	q.mu.Lock()
	entry := q.removeLocked(session)
	q.mu.Unlock()

	if entry == nil {
		return
	}
	if q.sendUnreachable != nil {
		q.sendUnreachable(entry.session, entry.packet)
	}
}

// Len returns the number of queued entries.
func (q *PendingSYNQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lst.Len()
}
