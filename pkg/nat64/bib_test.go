package nat64

import (
	"net"
	"testing"
)

func mustPool4(addrs ...string) *Pool4 {
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = net.ParseIP(a)
	}
	return NewPool4(ips...)
}

func TestBIBAddRejectsDuplicateIndex(t *testing.T) {
	bib := newBIB(L4UDP, mustPool4("192.0.2.1"))

	addr6 := TupleAddr{Addr: net.ParseIP("2001:db8::1"), Id: 1000}
	addr4 := TupleAddr{Addr: net.ParseIP("192.0.2.1"), Id: 2000}

	if err := bib.Add(&BIBEntry{Addr6: addr6, Addr4: addr4}); err != nil {
		t.Fatalf("first add: %v", err)
	}

	dup6 := &BIBEntry{Addr6: addr6, Addr4: TupleAddr{Addr: net.ParseIP("192.0.2.1"), Id: 2001}}
	if err := bib.Add(dup6); err != ErrBIBEntryExists {
		t.Fatalf("expected ErrBIBEntryExists on a duplicate addr6, got %v", err)
	}

	dup4 := &BIBEntry{Addr6: TupleAddr{Addr: net.ParseIP("2001:db8::2"), Id: 1000}, Addr4: addr4}
	if err := bib.Add(dup4); err != ErrBIBEntryExists {
		t.Fatalf("expected ErrBIBEntryExists on a duplicate addr4, got %v", err)
	}
}

// TestUnreferencedDynamicEntryIsRemoved is spec.md §8 invariant 2: a
// dynamic BIB entry with refcount 0 does not remain indexed.
func TestUnreferencedDynamicEntryIsRemoved(t *testing.T) {
	pool := mustPool4("192.0.2.1")
	bib := newBIB(L4UDP, pool)

	addr6 := TupleAddr{Addr: net.ParseIP("2001:db8::1"), Id: 1000}
	addr4 := TupleAddr{Addr: net.ParseIP("192.0.2.1"), Id: 2000}
	entry := &BIBEntry{Addr6: addr6, Addr4: addr4}

	if err := pool.Reserve(addr4.Addr, addr4.Id, L4UDP); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := bib.Add(entry); err != nil {
		t.Fatalf("add: %v", err)
	}
	entry.IncRef()

	if removed := bib.ReleaseIfUnused(entry); removed {
		t.Fatal("entry should still be referenced")
	}
	if _, ok := bib.GetBy6(addr6); !ok {
		t.Fatal("entry with an outstanding reference must remain indexed")
	}

	if removed := bib.ReleaseIfUnused(entry); !removed {
		t.Fatal("entry with refcount 0 should have been removed")
	}
	if _, ok := bib.GetBy6(addr6); ok {
		t.Fatal("unreferenced dynamic entry must not remain in tree6")
	}
	if _, ok := bib.GetBy4(addr4); ok {
		t.Fatal("unreferenced dynamic entry must not remain in tree4")
	}

	// its port must have been released back to the pool.
	if err := pool.Reserve(addr4.Addr, addr4.Id, L4UDP); err != nil {
		t.Fatalf("port should have been released back to the pool: %v", err)
	}
}

func TestStaticEntrySurvivesZeroRefcount(t *testing.T) {
	bib := newBIB(L4UDP, mustPool4("192.0.2.1"))

	entry := &BIBEntry{
		Addr6:  TupleAddr{Addr: net.ParseIP("2001:db8::1"), Id: 1000},
		Addr4:  TupleAddr{Addr: net.ParseIP("192.0.2.1"), Id: 2000},
		Static: true,
	}
	if err := bib.Add(entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	if removed := bib.ReleaseIfUnused(entry); removed {
		t.Fatal("a static entry must never be removed by ReleaseIfUnused")
	}
	if _, ok := bib.GetBy6(entry.Addr6); !ok {
		t.Fatal("static entry disappeared")
	}
}

// TestBIBTreesStayConsistent is spec.md §8 invariant 3: every entry
// reachable from tree6 is reachable from tree4 under the same identity,
// and Count agrees with both.
func TestBIBTreesStayConsistent(t *testing.T) {
	bib := newBIB(L4TCP, mustPool4("192.0.2.1", "192.0.2.2"))

	for i := 0; i < 20; i++ {
		entry := &BIBEntry{
			Addr6: TupleAddr{Addr: net.ParseIP("2001:db8::1"), Id: uint16(1000 + i)},
			Addr4: TupleAddr{Addr: net.ParseIP("192.0.2.1"), Id: uint16(2000 + i)},
		}
		if err := bib.Add(entry); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	if got := bib.Count(); got != 20 {
		t.Fatalf("Count = %d, want 20", got)
	}

	seenBy4 := 0
	bib.ForEach(func(e *BIBEntry) bool {
		if _, ok := bib.GetBy6(e.Addr6); !ok {
			t.Fatalf("entry %v present in tree4 but not tree6", e.Addr4)
		}
		seenBy4++
		return true
	})
	if seenBy4 != 20 {
		t.Fatalf("ForEach visited %d entries, want 20", seenBy4)
	}
}

func TestBIBForEachFromResumesAfterCursor(t *testing.T) {
	bib := newBIB(L4UDP, mustPool4("192.0.2.1"))

	var addrs []TupleAddr
	for i := 0; i < 5; i++ {
		addr4 := TupleAddr{Addr: net.ParseIP("192.0.2.1"), Id: uint16(2000 + i)}
		addrs = append(addrs, addr4)
		entry := &BIBEntry{
			Addr6: TupleAddr{Addr: net.ParseIP("2001:db8::1"), Id: uint16(1000 + i)},
			Addr4: addr4,
		}
		if err := bib.Add(entry); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	var afterCursor []TupleAddr
	bib.ForEachFrom(addrs[1], true, func(e *BIBEntry) bool {
		afterCursor = append(afterCursor, e.Addr4)
		return true
	})

	if len(afterCursor) != 3 {
		t.Fatalf("expected 3 entries strictly after the cursor, got %d", len(afterCursor))
	}
	if !tupleAddrEqual(afterCursor[0], addrs[2]) {
		t.Fatalf("expected iteration to resume at %v, got %v", addrs[2], afterCursor[0])
	}
}

func TestBIBFlushEmptiesBothTrees(t *testing.T) {
	bib := newBIB(L4ICMP, mustPool4("192.0.2.1"))
	entry := &BIBEntry{
		Addr6: TupleAddr{Addr: net.ParseIP("2001:db8::1"), Id: 1000},
		Addr4: TupleAddr{Addr: net.ParseIP("192.0.2.1"), Id: 1000},
	}
	if err := bib.Add(entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	bib.Flush()

	if bib.Count() != 0 {
		t.Fatalf("Count after Flush = %d, want 0", bib.Count())
	}
	if _, ok := bib.GetBy6(entry.Addr6); ok {
		t.Fatal("entry survived Flush")
	}
}
