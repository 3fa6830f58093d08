package nat64

import (
	"net"
	"testing"
)

func TestAddrRoundTrip(t *testing.T) {
	prefix := net.ParseIP("64:ff9b::")

	cases := []struct {
		name string
		v4   string
		len  int
	}{
		{"32", "192.0.2.1", 32},
		{"40", "203.0.113.5", 40},
		{"48", "198.51.100.9", 48},
		{"56", "192.0.2.200", 56},
		{"64", "203.0.113.99", 64},
		{"96", "192.0.2.33", 96},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v4 := net.ParseIP(c.v4).To4()
			v6 := AddrToV6(v4, prefix, c.len)

			back, err := AddrToV4(v6, c.len)
			if err != nil {
				t.Fatalf("AddrToV4: %v", err)
			}
			if !back.Equal(v4) {
				t.Fatalf("round trip mismatch: got %s, want %s", back, v4)
			}
		})
	}
}

func TestAddrToV6WellKnownExample(t *testing.T) {
	// 192.0.2.1 embedded under 64:ff9b::/96 is 64:ff9b::192.0.2.1, i.e.
	// 64:ff9b::c000:0201.
	v4 := net.ParseIP("192.0.2.1").To4()
	prefix := net.ParseIP("64:ff9b::")

	got := AddrToV6(v4, prefix, 96)
	want := net.ParseIP("64:ff9b::c000:0201")

	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAddrToV4RejectsNonZeroUOctet(t *testing.T) {
	a6 := net.ParseIP("2001:db8:1:2:100:4:5:6")
	if _, err := AddrToV4(a6, 32); err == nil {
		t.Fatal("expected error for non-zero u octet at prefix length 32")
	}
}

func TestAddrToV4RejectsInvalidLength(t *testing.T) {
	a6 := net.ParseIP("64:ff9b::c000:0201")
	if _, err := AddrToV4(a6, 33); err == nil {
		t.Fatal("expected error for unsupported prefix length")
	}
}
