package nat64

import (
	"container/list"
	"sync"
	"time"
)

// expirerList is one of the five FIFO lists from spec.md §3 "Expirer":
// sessions ordered by UpdateTime, a shared TTL, and a timer that always
// points at the oldest entry's deadline. Touching (inserting or refreshing)
// a session always unlinks it and re-appends it at the tail, which is what
// keeps the list sorted without a separate comparison (spec.md §9 "timer
// cascading").
type expirerList struct {
	mu    sync.Mutex
	name  string
	ttl   time.Duration
	lst   *list.List
	timer *time.Timer
	clock func() time.Time

	onExpire func(*Session)
}

func newExpirerList(name string, ttl time.Duration, onExpire func(*Session)) *expirerList {
	return &expirerList{
		name:     name,
		ttl:      ttl,
		lst:      list.New(),
		clock:    time.Now,
		onExpire: onExpire,
	}
}

func (el *expirerList) setTTL(ttl time.Duration) {
	el.mu.Lock()
	el.ttl = ttl
	el.mu.Unlock()
	el.reschedule()
}

// touch unlinks s from whatever list currently holds it (which may be a
// different expirerList) and appends it to el's tail, refreshing
// UpdateTime. The timer is (re)scheduled after el.mu is released, by
// reschedule, which takes el.mu again for the timer swap.
func (el *expirerList) touch(s *Session) {
	if s.list != nil && s.list != el {
		s.list.remove(s)
	}

	el.mu.Lock()
	if s.list == el && s.elem != nil {
		el.lst.Remove(s.elem)
	}
	s.UpdateTime = el.clock()
	s.elem = el.lst.PushBack(s)
	s.list = el
	el.mu.Unlock()

	el.reschedule()
}

// remove unlinks s from el, if it is currently there.
func (el *expirerList) remove(s *Session) {
	el.mu.Lock()
	removed := false
	if s.list == el && s.elem != nil {
		el.lst.Remove(s.elem)
		s.elem = nil
		s.list = nil
		removed = true
	}
	el.mu.Unlock()

	if removed {
		el.reschedule()
	}
}

// reschedule stops any pending timer and starts a new one aimed at the
// current head of the list (the oldest entry). It holds el.mu while doing
// so, so callers must not hold it.
func (el *expirerList) reschedule() {
	el.mu.Lock()
	if el.timer != nil {
		el.timer.Stop()
		el.timer = nil
	}
	front := el.lst.Front()
	if front == nil {
		el.mu.Unlock()
		return
	}
	deadline := front.Value.(*Session).UpdateTime.Add(el.ttl)
	d := deadline.Sub(el.clock())
	if d < 0 {
		d = 0
	}
	el.timer = time.AfterFunc(d, el.fire)
	el.mu.Unlock()
}

// fire walks the list from the head, handing every session whose TTL has
// elapsed to onExpire, and stops at the first session that hasn't expired
// yet (spec.md §4.4 "Expirer algorithm") — rescheduling for that session's
// deadline before returning.
func (el *expirerList) fire() {
	now := el.clock()
	for {
		el.mu.Lock()
		front := el.lst.Front()
		if front == nil {
			el.timer = nil
			el.mu.Unlock()
			return
		}
		sess := front.Value.(*Session)
		deadline := sess.UpdateTime.Add(el.ttl)
		if deadline.After(now) {
			el.timer = time.AfterFunc(deadline.Sub(now), el.fire)
			el.mu.Unlock()
			return
		}
		el.lst.Remove(front)
		sess.elem = nil
		sess.list = nil
		el.mu.Unlock()

		el.onExpire(sess)
	}
}

// stop cancels the timer and joins it (best-effort; time.Timer has no
// join, so this only guarantees no *new* fire will be scheduled).
func (el *expirerList) stop() {
	el.mu.Lock()
	if el.timer != nil {
		el.timer.Stop()
		el.timer = nil
	}
	el.mu.Unlock()
}

func (el *expirerList) len() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.lst.Len()
}
