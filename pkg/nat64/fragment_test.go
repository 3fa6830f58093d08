package nat64

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
)

// TestFragmentIPv6SplitsOversizedPayload is spec.md §8 scenario 5: a 2000
// byte IPv4 payload with DF=0 translated against min_ipv6_mtu=1280 must
// split into exactly two fragments, the first with M=1 and the second
// with M=0, whose concatenated payloads reconstruct the input exactly
// (invariants 7 and 8).
func TestFragmentIPv6SplitsOversizedPayload(t *testing.T) {
	v6 := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("64:ff9b::203.0.113.9"),
		DstIP:      net.ParseIP("2001:db8::1"),
	}

	payload := bytes.Repeat([]byte{0xAB}, 2000)

	frags, err := fragmentIPv6(v6, payload, 1280, 0x1234)
	if err != nil {
		t.Fatalf("fragmentIPv6: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("expected exactly 2 fragments, got %d", len(frags))
	}

	var reassembled []byte
	for i, raw := range frags {
		if len(raw) > 1280 {
			t.Fatalf("fragment %d is %d bytes, exceeds min_ipv6_mtu 1280 (invariant 7)", i, len(raw))
		}

		// Fragment extension header sits right after the fixed 40 byte
		// IPv6 header: next header, reserved, then a 16 bit field packing
		// a 13 bit offset and the M flag in its low bit, per RFC 8200 §4.5.
		fragHdr := raw[ipv6HeaderLen : ipv6HeaderLen+8]
		offsetAndFlags := binary.BigEndian.Uint16(fragHdr[2:4])
		more := offsetAndFlags&0x1 != 0

		if i == 0 && !more {
			t.Fatal("first fragment must have M=1")
		}
		if i == len(frags)-1 && more {
			t.Fatal("last fragment must have M=0")
		}
		reassembled = append(reassembled, raw[ipv6HeaderLen+8:]...)
	}

	if !bytes.Equal(reassembled, payload) {
		t.Fatal("concatenated fragment payloads do not reconstruct the original payload (invariant 8)")
	}
}
