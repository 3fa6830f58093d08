package nat64

import (
	"net"
	"testing"
)

func TestGetAnyPortPreservesPort(t *testing.T) {
	pool := NewPool4(net.ParseIP("192.0.2.1"))

	addr, port, err := pool.GetAnyPort(L4UDP, 1000)
	if err != nil {
		t.Fatalf("GetAnyPort: %v", err)
	}
	if port != 1000 {
		t.Fatalf("expected the source port to be preserved, got %d", port)
	}
	if !addr.Equal(net.ParseIP("192.0.2.1")) {
		t.Fatalf("unexpected address: %s", addr)
	}
}

func TestGetAnyPortFallsBackWhenTaken(t *testing.T) {
	pool := NewPool4(net.ParseIP("192.0.2.1"))

	if _, _, err := pool.GetAnyPort(L4UDP, 2000); err != nil {
		t.Fatalf("first allocation: %v", err)
	}

	_, port, err := pool.GetAnyPort(L4UDP, 2000)
	if err != nil {
		t.Fatalf("second allocation: %v", err)
	}
	if port == 2000 {
		t.Fatal("expected a different port once 2000 is taken")
	}
	if port%2 != 0 {
		t.Fatalf("expected a fallback port with the same parity, got %d", port)
	}
}

// TestPortAllocationIsInjective is spec.md §8 invariant 6: no two
// concurrently allocated (addr4, port4) pairs for the same protocol may
// coincide.
func TestPortAllocationIsInjective(t *testing.T) {
	pool := NewPool4(net.ParseIP("192.0.2.1"))

	seen := make(map[uint16]bool)
	for i := 0; i < 500; i++ {
		_, port, err := pool.GetAnyPort(L4TCP, uint16(1000+i))
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
}

func TestReserveRejectsDuplicate(t *testing.T) {
	pool := NewPool4(net.ParseIP("192.0.2.1"))
	addr := net.ParseIP("192.0.2.1")

	if err := pool.Reserve(addr, 500, L4UDP); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := pool.Reserve(addr, 500, L4UDP); err == nil {
		t.Fatal("expected the second reserve of the same port to fail")
	}
}

func TestReleaseFreesPortForReuse(t *testing.T) {
	pool := NewPool4(net.ParseIP("192.0.2.1"))
	addr := net.ParseIP("192.0.2.1")

	if err := pool.Reserve(addr, 500, L4UDP); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	pool.Release(addr, 500, L4UDP)
	if err := pool.Reserve(addr, 500, L4UDP); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestPool4ExhaustionReturnsErrPoolExhausted(t *testing.T) {
	pool := NewPool4()
	if _, _, err := pool.GetAnyPort(L4UDP, 1000); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted on an empty pool, got %v", err)
	}
}
