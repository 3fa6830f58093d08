package nat64

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TestICMPv6PacketTooBigTranslatesMTU is spec.md §8 scenario 6: an ICMPv6
// Packet Too Big reporting a 1400 byte next-hop MTU must translate into an
// ICMPv4 Fragmentation Needed reporting 1400-20=1380, per RFC 6145 §4.6.1.
func TestICMPv6PacketTooBigTranslatesMTU(t *testing.T) {
	pool6, err := NewPool6(Prefix6{Addr: net.ParseIP("64:ff9b::"), Len: 96})
	if err != nil {
		t.Fatalf("NewPool6: %v", err)
	}

	innerV6 := &layers.IPv6{
		Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP,
		SrcIP: net.ParseIP("64:ff9b::203.0.113.9"),
		DstIP: net.ParseIP("2001:db8::1"),
	}
	innerUDP := &layers.UDP{SrcPort: 53, DstPort: 1234}
	if err := innerUDP.SetNetworkLayerForChecksum(innerV6); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	innerBuf := gopacket.NewSerializeBuffer()
	innerOpts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(innerBuf, innerOpts, innerV6, innerUDP, gopacket.Payload([]byte("x"))); err != nil {
		t.Fatalf("serialize inner: %v", err)
	}
	inner := innerBuf.Bytes()

	// ICMPv6 Packet Too Big: type(1) code(1) checksum(2) mtu(4), then the
	// quoted packet that didn't fit.
	payload := make([]byte, 8+len(inner))
	payload[0] = layers.ICMPv6TypePacketTooBig
	payload[1] = 0
	binary.BigEndian.PutUint32(payload[4:8], 1400)
	copy(payload[8:], inner)

	v6 := &layers.IPv6{
		Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolICMPv6,
		SrcIP: net.ParseIP("2001:db8::1"),
		DstIP: net.ParseIP("64:ff9b::203.0.113.9"),
	}
	pair := OutgoingPair{
		Src: TupleAddr{Addr: net.ParseIP("192.0.2.1")},
		Dst: TupleAddr{Addr: net.ParseIP("203.0.113.9")},
	}

	pkts, err := translateICMPv6to4(v6, payload, pair, pool6, DefaultConfig())
	if err != nil {
		t.Fatalf("translateICMPv6to4: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected exactly one packet, got %d", len(pkts))
	}

	pkt := gopacket.NewPacket(pkts[0], layers.LayerTypeIPv4, gopacket.Default)
	icmpLayer, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatal("translated packet carries no ICMPv4 layer")
	}
	if icmpLayer.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable ||
		icmpLayer.TypeCode.Code() != layers.ICMPv4CodeFragmentationNeeded {
		t.Fatalf("expected Destination Unreachable/Fragmentation Needed, got %v", icmpLayer.TypeCode)
	}
	if icmpLayer.Seq != 1380 {
		t.Fatalf("expected translated MTU 1380, got %d", icmpLayer.Seq)
	}
}

// TestSelectFragNeededMTUFallsBackToPlateau covers the legacy case where a
// Packet Too Big message carries no MTU at all (origMTU=0): the largest
// configured plateau at or below min_ipv6_mtu-20 is used instead.
func TestSelectFragNeededMTUFallsBackToPlateau(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinIPv6MTU = 1280 // ceiling 1260

	mtu, err := selectFragNeededMTU(0, cfg)
	if err != nil {
		t.Fatalf("selectFragNeededMTU: %v", err)
	}
	if mtu != 1006 {
		t.Fatalf("expected the 1006 plateau (largest <= 1260), got %d", mtu)
	}
}

// TestSelectFragNeededMTULowerMTUFail confirms LowerMTUFail turns an
// unrepresentable MTU into ErrPacketTooBig instead of silently reporting
// the floor.
func TestSelectFragNeededMTULowerMTUFail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LowerMTUFail = true

	if _, err := selectFragNeededMTU(50, cfg); err != ErrPacketTooBig {
		t.Fatalf("expected ErrPacketTooBig, got %v", err)
	}
}
