package nat64

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// TestExternallyInitiatedSYNTimesOutWithoutMatch is spec.md §8 scenario 3's
// failure path: an externally-initiated V4_INIT session that never sees a
// matching v6 SYN is torn down when its SYN timer fires, the stored packet
// is handed to the ICMP-unreachable callback, and its dynamic BIB entry is
// released since nothing references it anymore.
func TestExternallyInitiatedSYNTimesOutWithoutMatch(t *testing.T) {
	pool4 := NewPool4(net.ParseIP("192.0.2.1"))
	pool6, err := NewPool6(Prefix6{Addr: net.ParseIP("64:ff9b::"), Len: 96})
	if err != nil {
		t.Fatalf("NewPool6: %v", err)
	}
	bibs := NewBIBSet(pool4)

	var unreachableSession *Session
	var unreachablePacket []byte
	done := make(chan struct{})
	pending := NewPendingSYNQueue(DefaultPendingSYNCapacity, func(s *Session, packet []byte) {
		unreachableSession = s
		unreachablePacket = packet
		close(done)
	})

	sessions := NewSessionDB(pool6, bibs, SessionTTLs{
		UDP:      DefaultUDPTimeout,
		ICMP:     DefaultICMPTimeout,
		TCPEst:   DefaultTCPEstTimeout,
		TCPTrans: DefaultTCPTransTimeout,
		SYN:      20 * time.Millisecond,
	}, pending, nil)

	a4, port, err := pool4.GetAnyPort(L4TCP, 443)
	if err != nil {
		t.Fatalf("GetAnyPort: %v", err)
	}
	bib := &BIBEntry{Addr4: TupleAddr{Addr: a4, Id: port}}
	if err := bibs.TCP.AddPending4(bib); err != nil {
		t.Fatalf("AddPending4: %v", err)
	}

	tuple4 := Tuple{
		Src: TupleAddr{Addr: net.ParseIP("203.0.113.5"), Id: 5555},
		Dst: TupleAddr{Addr: a4, Id: port},
		L3:  L3IPv4,
		L4:  L4TCP,
	}
	sess, created, err := sessions.GetOrCreate4(tuple4, bib)
	if err != nil {
		t.Fatalf("GetOrCreate4: %v", err)
	}
	if !created {
		t.Fatal("expected a new session")
	}
	sess.State = StateV4Init

	rawPacket := []byte("original v4 SYN bytes")
	pending.Add(sess, rawPacket) // must be queued before the timer starts

	sessions.SetSynTimer(sess)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the SYN timer to fire")
	}

	if unreachableSession != sess {
		t.Fatal("unreachable callback fired for the wrong session")
	}
	if !bytes.Equal(unreachablePacket, rawPacket) {
		t.Fatal("unreachable callback did not receive the original packet bytes")
	}

	if _, ok := sessions.Get(tuple4); ok {
		t.Fatal("expected the session to have been deleted on timeout")
	}
	if _, ok := bibs.TCP.GetBy4(TupleAddr{Addr: a4, Id: port}); ok {
		t.Fatal("expected the dynamic BIB entry to have been released")
	}
}
