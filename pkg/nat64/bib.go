package nat64

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// BIBEntry is a long-lived IPv6<->IPv4 transport-address mapping for one
// L4 protocol (spec.md §3 "BIB Entry"). A BIBEntry lives as long as it is
// static or at least one Session references it; refs tracks the latter.
type BIBEntry struct {
	Addr6  TupleAddr
	Addr4  TupleAddr
	L4     L4Proto
	Static bool

	refs int32
}

// IncRef adds a Session reference to the entry.
func (e *BIBEntry) IncRef() {
	atomic.AddInt32(&e.refs, 1)
}

// DecRef removes a Session reference and returns the resulting count.
func (e *BIBEntry) DecRef() int32 {
	return atomic.AddInt32(&e.refs, -1)
}

// RefCount returns the current Session reference count.
func (e *BIBEntry) RefCount() int32 {
	return atomic.LoadInt32(&e.refs)
}

func cmpTupleAddr(a, b TupleAddr) int {
	if c := bytes.Compare(a.Addr.To16(), b.Addr.To16()); c != 0 {
		return c
	}
	if a.Id < b.Id {
		return -1
	}
	if a.Id > b.Id {
		return 1
	}
	return 0
}

// BIB is the per-L4-protocol Binding Information Base: two ordered trees
// over the same set of entries (spec.md §3/§4.3), one keyed by the IPv6
// transport address, one by the IPv4 transport address. Both mutate
// atomically under bib.mu; acquisition order relative to a Session table's
// mutex is always BIB-then-Session (spec.md §5).
type BIB struct {
	mu    sync.Mutex
	l4    L4Proto
	pool4 *Pool4

	tree6 *btree.BTreeG[*BIBEntry]
	tree4 *btree.BTreeG[*BIBEntry]
}

func newBIB(l4 L4Proto, pool4 *Pool4) *BIB {
	return &BIB{
		l4:    l4,
		pool4: pool4,
		tree6: btree.NewG(32, func(a, b *BIBEntry) bool { return cmpTupleAddr(a.Addr6, b.Addr6) < 0 }),
		tree4: btree.NewG(32, func(a, b *BIBEntry) bool { return cmpTupleAddr(a.Addr4, b.Addr4) < 0 }),
	}
}

// GetBy6 looks up an entry by its IPv6 transport address.
func (b *BIB) GetBy6(addr6 TupleAddr) (*BIBEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree6.Get(&BIBEntry{Addr6: addr6})
}

// GetBy4 looks up an entry by its IPv4 transport address.
func (b *BIB) GetBy4(addr4 TupleAddr) (*BIBEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree4.Get(&BIBEntry{Addr4: addr4})
}

// Add inserts entry into both trees, rejecting a duplicate on either
// index (spec.md §4.3).
func (b *BIB) Add(entry *BIBEntry) error {
	entry.L4 = b.l4

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tree6.Get(entry); exists {
		return ErrBIBEntryExists
	}
	if _, exists := b.tree4.Get(entry); exists {
		return ErrBIBEntryExists
	}

	b.tree6.ReplaceOrInsert(entry)
	b.tree4.ReplaceOrInsert(entry)
	return nil
}

// Remove deletes entry from both trees and, if it is dynamic, releases its
// port reservation back to the pool.
func (b *BIB) Remove(entry *BIBEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(entry)
}

func (b *BIB) removeLocked(entry *BIBEntry) {
	b.tree6.Delete(entry)
	b.tree4.Delete(entry)
	if !entry.Static {
		b.pool4.Release(entry.Addr4.Addr, entry.Addr4.Id, entry.L4)
	}
}

// ReleaseIfUnused decrements the entry's refcount and, if it drops to zero
// and the entry is dynamic, removes it from both trees and releases its
// port. Returns true if the entry was removed.
func (b *BIB) ReleaseIfUnused(entry *BIBEntry) bool {
	if entry.DecRef() > 0 || entry.Static {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// Re-check under the lock: another Session may have grabbed a fresh
	// reference between DecRef and here.
	if entry.RefCount() > 0 {
		return false
	}
	b.removeLocked(entry)
	return true
}

// AddPending4 inserts a dynamically allocated, externally-initiated TCP
// entry (spec.md §4.7) into the IPv4 index only. The IPv6 side of the
// connection isn't known yet, so there's nothing meaningful to key the
// IPv6 index on; Add (once the peer is known) or removeLocked's harmless
// no-op tree6.Delete cover the rest of this entry's lifecycle.
func (b *BIB) AddPending4(entry *BIBEntry) error {
	entry.L4 = b.l4

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tree4.Get(entry); exists {
		return ErrBIBEntryExists
	}
	b.tree4.ReplaceOrInsert(entry)
	return nil
}

// ForEach calls f for every entry in addr4 order, stopping early if f
// returns false.
func (b *BIB) ForEach(f func(*BIBEntry) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree4.Ascend(func(e *BIBEntry) bool { return f(e) })
}

// ForEachFrom is ForEach's cursor-paginated form, for the control
// channel's DISPLAY operation (spec.md §6): if iterate is false,
// iteration starts at the beginning; otherwise it resumes strictly
// after after. Stops once f returns false.
func (b *BIB) ForEachFrom(after TupleAddr, iterate bool, f func(*BIBEntry) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !iterate {
		b.tree4.Ascend(func(e *BIBEntry) bool { return f(e) })
		return
	}
	skip := true
	b.tree4.AscendGreaterOrEqual(&BIBEntry{Addr4: after}, func(e *BIBEntry) bool {
		if skip {
			skip = false
			if cmpTupleAddr(e.Addr4, after) == 0 {
				return true
			}
		}
		return f(e)
	})
}

// Count returns the number of entries.
func (b *BIB) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree4.Len()
}

// Flush empties both trees without releasing dynamic entries' ports -
// callers doing a full pool4 flush release ports pool-wide instead.
func (b *BIB) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree6 = btree.NewG(32, func(a, c *BIBEntry) bool { return cmpTupleAddr(a.Addr6, c.Addr6) < 0 })
	b.tree4 = btree.NewG(32, func(a, c *BIBEntry) bool { return cmpTupleAddr(a.Addr4, c.Addr4) < 0 })
}

// BIBSet is the three protocol-indexed BIB tables (spec.md §3).
type BIBSet struct {
	UDP  *BIB
	TCP  *BIB
	ICMP *BIB
}

// NewBIBSet builds the three BIB tables, all backed by the same Pool4.
func NewBIBSet(pool4 *Pool4) *BIBSet {
	return &BIBSet{
		UDP:  newBIB(L4UDP, pool4),
		TCP:  newBIB(L4TCP, pool4),
		ICMP: newBIB(L4ICMP, pool4),
	}
}

// Table returns the BIB table for l4, or nil for L4None.
func (s *BIBSet) Table(l4 L4Proto) *BIB {
	switch l4 {
	case L4UDP:
		return s.UDP
	case L4TCP:
		return s.TCP
	case L4ICMP:
		return s.ICMP
	default:
		return nil
	}
}

// Flush empties all three tables, for the control channel's POOL4/FLUSH
// non-quick path.
func (s *BIBSet) Flush() {
	s.UDP.Flush()
	s.TCP.Flush()
	s.ICMP.Flush()
}
