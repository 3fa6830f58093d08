package nat64

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket/layers"
)

// isICMPv4Error reports whether an ICMPv4 message type quotes an original
// packet, as opposed to being a query exchanged directly with the
// translator (spec.md §4.6.3).
func isICMPv4Error(t uint8) bool {
	switch t {
	case layers.ICMPv4TypeDestinationUnreachable,
		layers.ICMPv4TypeTimeExceeded,
		layers.ICMPv4TypeParameterProblem,
		layers.ICMPv4TypeSourceQuench,
		layers.ICMPv4TypeRedirect:
		return true
	default:
		return false
	}
}

// isICMPv6Error is isICMPv4Error's ICMPv6 counterpart.
func isICMPv6Error(t uint8) bool {
	switch t {
	case layers.ICMPv6TypeDestinationUnreachable,
		layers.ICMPv6TypePacketTooBig,
		layers.ICMPv6TypeTimeExceeded,
		layers.ICMPv6TypeParameterProblem:
		return true
	default:
		return false
	}
}

// ExtractIncoming6 builds the Tuple for a packet arriving on the IPv6 side
// (spec.md §4 stage 1 "determine incoming tuple"), grounded on
// original_source/mod/determine_incoming_tuple.c. isError reports whether
// the outer packet is itself an ICMP error, which callers need in order to
// route it through lookup-only filtering rather than the create-on-miss
// path.
func ExtractIncoming6(v6 *layers.IPv6, payload []byte) (tuple Tuple, isError bool, err error) {
	return extractIncoming(L3IPv6, v6.SrcIP, v6.DstIP, v6.NextHeader, payload)
}

// ExtractIncoming4 is ExtractIncoming6's IPv4 counterpart.
func ExtractIncoming4(v4 *layers.IPv4, payload []byte) (tuple Tuple, isError bool, err error) {
	return extractIncoming(L3IPv4, v4.SrcIP, v4.DstIP, v4.Protocol, payload)
}

func extractIncoming(l3 L3Proto, srcAddr, dstAddr net.IP, proto layers.IPProtocol, payload []byte) (Tuple, bool, error) {
	switch proto {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		t, err := extractL4(l3, srcAddr, dstAddr, proto, payload)
		return t, false, err
	case layers.IPProtocolICMPv4:
		return extractICMPv4Tuple(srcAddr, dstAddr, payload)
	case layers.IPProtocolICMPv6:
		return extractICMPv6Tuple(srcAddr, dstAddr, payload)
	default:
		return Tuple{}, false, ErrUnknownProtocol
	}
}

// extractL4 reads the transport identifiers (ports, or ICMP echo
// identifier) straight off the wire without a full gopacket layer decode —
// stage 1 only needs the 3/5-tuple, not the parsed header.
func extractL4(l3 L3Proto, srcAddr, dstAddr net.IP, proto layers.IPProtocol, payload []byte) (Tuple, error) {
	switch proto {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		if len(payload) < 4 {
			return Tuple{}, ErrMalformedPacket
		}
		l4 := L4UDP
		if proto == layers.IPProtocolTCP {
			l4 = L4TCP
		}
		return Tuple{
			Src: TupleAddr{Addr: srcAddr, Id: binary.BigEndian.Uint16(payload[0:2])},
			Dst: TupleAddr{Addr: dstAddr, Id: binary.BigEndian.Uint16(payload[2:4])},
			L3:  l3,
			L4:  l4,
		}, nil
	case layers.IPProtocolICMPv4:
		t, _, err := extractICMPv4Tuple(srcAddr, dstAddr, payload)
		return t, err
	case layers.IPProtocolICMPv6:
		t, _, err := extractICMPv6Tuple(srcAddr, dstAddr, payload)
		return t, err
	default:
		return Tuple{}, ErrUnknownProtocol
	}
}

// extractICMPv4Tuple handles both ICMPv4 queries (3-tuple, keyed on the
// shared identifier) and errors (the tuple is the quoted inner packet's,
// swapped, since the error travels opposite the flow it reports on).
func extractICMPv4Tuple(srcAddr, dstAddr net.IP, payload []byte) (Tuple, bool, error) {
	if len(payload) < 8 {
		return Tuple{}, false, ErrMalformedPacket
	}

	t := payload[0]
	switch t {
	case layers.ICMPv4TypeEchoRequest, layers.ICMPv4TypeEchoReply:
		id := binary.BigEndian.Uint16(payload[4:6])
		return Tuple{
			Src: TupleAddr{Addr: srcAddr, Id: id},
			Dst: TupleAddr{Addr: dstAddr, Id: id},
			L3:  L3IPv4,
			L4:  L4ICMP,
		}, false, nil
	}

	if !isICMPv4Error(t) {
		return Tuple{}, false, ErrUnknownProtocol
	}

	inner := payload[8:]
	if len(inner) < 20 {
		return Tuple{}, true, ErrMalformedPacket
	}
	ihl := int(inner[0]&0x0f) * 4
	if ihl < 20 || len(inner) < ihl {
		return Tuple{}, true, ErrMalformedPacket
	}

	innerSrc := net.IP(inner[12:16])
	innerDst := net.IP(inner[16:20])
	innerProto := layers.IPProtocol(inner[9])

	inTuple, err := extractL4(L3IPv4, innerSrc, innerDst, innerProto, inner[ihl:])
	if err != nil {
		return Tuple{}, true, err
	}
	return inTuple.Swapped(), true, nil
}

// extractICMPv6Tuple is extractICMPv4Tuple's ICMPv6 counterpart. Inner
// IPv6 extension headers are not walked (documented limitation): the
// quoted inner header is assumed to be a bare 40-byte fixed header, which
// holds for every inner packet this translator itself produced.
func extractICMPv6Tuple(srcAddr, dstAddr net.IP, payload []byte) (Tuple, bool, error) {
	if len(payload) < 8 {
		return Tuple{}, false, ErrMalformedPacket
	}

	t := payload[0]
	switch t {
	case layers.ICMPv6TypeEchoRequest, layers.ICMPv6TypeEchoReply:
		id := binary.BigEndian.Uint16(payload[4:6])
		return Tuple{
			Src: TupleAddr{Addr: srcAddr, Id: id},
			Dst: TupleAddr{Addr: dstAddr, Id: id},
			L3:  L3IPv6,
			L4:  L4ICMP,
		}, false, nil
	}

	if !isICMPv6Error(t) {
		return Tuple{}, false, ErrUnknownProtocol
	}

	inner := payload[8:]
	if len(inner) < 40 {
		return Tuple{}, true, ErrMalformedPacket
	}

	innerSrc := net.IP(inner[8:24])
	innerDst := net.IP(inner[24:40])
	innerProto := layers.IPProtocol(inner[6])

	inTuple, err := extractL4(L3IPv6, innerSrc, innerDst, innerProto, inner[40:])
	if err != nil {
		return Tuple{}, true, err
	}
	return inTuple.Swapped(), true, nil
}
