package nat64

import (
	"testing"
	"time"
)

// fakeClock hands out strictly increasing timestamps, one tick per call,
// so touch() ordering is deterministic without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) tick() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

// TestExpirerListIsFIFOOrdered is spec.md §8 invariant 4: an expirer
// list's entries are ordered by UpdateTime ascending.
func TestExpirerListIsFIFOOrdered(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	el := newExpirerList("test", time.Minute, func(*Session) {})
	el.clock = clock.tick

	sessions := make([]*Session, 5)
	for i := range sessions {
		sessions[i] = &Session{}
		el.touch(sessions[i])
	}

	var order []*Session
	for e := el.lst.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(*Session))
	}

	if len(order) != len(sessions) {
		t.Fatalf("list has %d entries, want %d", len(order), len(sessions))
	}
	for i, s := range order {
		if s != sessions[i] {
			t.Fatalf("position %d: expected insertion order to be preserved", i)
		}
	}

	var prev time.Time
	for i, s := range order {
		if i > 0 && s.UpdateTime.Before(prev) {
			t.Fatalf("position %d: UpdateTime went backwards", i)
		}
		prev = s.UpdateTime
	}
}

// TestExpirerListTouchMovesToTail verifies that re-touching an
// already-listed session re-sorts it to the tail, which is how the list
// stays ordered by UpdateTime without a comparison on fire().
func TestExpirerListTouchMovesToTail(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	el := newExpirerList("test", time.Minute, func(*Session) {})
	el.clock = clock.tick

	a := &Session{}
	b := &Session{}
	el.touch(a)
	el.touch(b)
	el.touch(a) // refresh a; it should now be after b

	if el.lst.Front().Value.(*Session) != b {
		t.Fatal("expected b to be at the front after a was refreshed")
	}
	if el.lst.Back().Value.(*Session) != a {
		t.Fatal("expected a to be at the back after being refreshed")
	}
}

// TestExpirerListFireExpiresOldestFirst is spec.md §4.4's expirer
// algorithm: fire() walks from the head and stops at the first
// not-yet-expired entry.
func TestExpirerListFireExpiresOldestFirst(t *testing.T) {
	var expired []*Session

	el := newExpirerList("test", 10*time.Second, func(s *Session) {
		expired = append(expired, s)
	})

	base := time.Unix(0, 0)
	now := base
	el.clock = func() time.Time { return now }

	a := &Session{}
	el.touch(a)
	now = base.Add(5 * time.Second)
	b := &Session{}
	el.touch(b)
	now = base.Add(12 * time.Second) // a (deadline 10s) has expired, b (deadline 15s) has not

	el.stop() // don't let the real timer race with the manual fire() below
	el.fire()

	if len(expired) != 1 || expired[0] != a {
		t.Fatalf("expected only a to expire, got %v", expired)
	}
	if el.len() != 1 {
		t.Fatalf("expected b to remain in the list, len = %d", el.len())
	}
}

func TestExpirerListRemoveUnlinks(t *testing.T) {
	el := newExpirerList("test", time.Minute, func(*Session) {})
	s := &Session{}
	el.touch(s)
	if el.len() != 1 {
		t.Fatalf("len = %d, want 1", el.len())
	}
	el.remove(s)
	if el.len() != 0 {
		t.Fatalf("len after remove = %d, want 0", el.len())
	}
	if s.list != nil || s.elem != nil {
		t.Fatal("session must be fully unlinked after remove")
	}
}
