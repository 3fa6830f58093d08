package nat64

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// translateICMPv6to4 converts an ICMPv6 message into ICMPv4 (spec.md
// §4.6.3), grounded on the teacher's ICMPv6Converter/translateICMPv6
// (RFC 6145 §5 type/code table, kept and restructured for session-driven
// addressing). See translateICMPv4to6's doc comment for the same
// simplification applied to the outer packet's addresses.
func translateICMPv6to4(v6 *layers.IPv6, payload []byte, pair OutgoingPair, pool6 *Pool6, cfg *Config) ([][]byte, error) {
	hopLimit := decrementTTL(v6.HopLimit)
	if hopLimit == 0 {
		return nil, ErrHopLimitExceeded
	}
	if len(payload) < 4 {
		return nil, ErrMalformedPacket
	}

	msgType, code := payload[0], payload[1]
	newType, newCode, forward := icmp6to4TypeCode(msgType, code)
	if !forward {
		return nil, ErrUnknownProtocol
	}

	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(newType, newCode)}
	var body []byte

	switch msgType {
	case layers.ICMPv6TypeEchoRequest, layers.ICMPv6TypeEchoReply:
		if len(payload) < 8 {
			return nil, ErrMalformedPacket
		}
		icmp.Id = pair.Src.Id
		icmp.Seq = beUint16(payload[6:8])
		body = payload[8:]
	case layers.ICMPv6TypePacketTooBig:
		if len(payload) < 8 {
			return nil, ErrMalformedPacket
		}
		// ICMPv6 Packet Too Big carries a 32 bit next-hop MTU in the 4
		// bytes after the checksum (RFC 4443 §3.2); ICMPv4 Fragmentation
		// Needed packs the same information into a u16 in the second half
		// of that space (unused(2)+MTU(2)), reached here via icmp.Seq
		// (RFC 6145 §4.6.1).
		origMTU := binary.BigEndian.Uint32(payload[4:8])
		mtu, err := selectFragNeededMTU(origMTU, cfg)
		if err != nil {
			return nil, err
		}
		icmp.Seq = mtu
		inner, err := translateInner6to4(payload[8:], pool6)
		if err != nil {
			return nil, err
		}
		body = inner
	default:
		if len(payload) < 8 {
			return nil, ErrMalformedPacket
		}
		inner, err := translateInner6to4(payload[8:], pool6)
		if err != nil {
			return nil, err
		}
		body = inner
	}

	tos := v6.TrafficClass
	if cfg.ResetTOS {
		tos = cfg.NewTOS
	}

	v4 := &layers.IPv4{
		Version: 4, TTL: hopLimit, TOS: tos, Id: nextIPv4ID(cfg),
		Flags: dfFlag(cfg), Protocol: layers.IPProtocolICMPv4,
		SrcIP: pair.Src.Addr.To4(), DstIP: pair.Dst.Addr.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, v4, icmp, gopacket.Payload(body)); err != nil {
		return nil, err
	}
	return [][]byte{buf.Bytes()}, nil
}

// selectFragNeededMTU adapts an ICMPv6 Packet Too Big's next-hop MTU into
// the value an ICMPv4 Fragmentation Needed message should report (RFC
// 6145 §4.6.1): subtract the 20 bytes an IPv6 header costs over IPv4's,
// floored at MinFragNeededMTU. A missing origMTU (some IPv6 stacks send
// zero on a mis-set link) falls back to the largest configured plateau at
// or below min_ipv6_mtu, per RFC 1191. LowerMTUFail turns an underflow
// into a hard failure instead of reporting the floor.
func selectFragNeededMTU(origMTU uint32, cfg *Config) (uint16, error) {
	if origMTU > 0 {
		adjusted := int(origMTU) - 20
		if adjusted < MinFragNeededMTU {
			if cfg.LowerMTUFail {
				return 0, ErrPacketTooBig
			}
			adjusted = MinFragNeededMTU
		}
		return uint16(adjusted), nil
	}

	ceiling := cfg.MinIPv6MTU - 20
	for _, p := range cfg.MTUPlateaus {
		if p <= ceiling {
			return uint16(p), nil
		}
	}
	if cfg.LowerMTUFail {
		return 0, ErrPacketTooBig
	}
	return MinFragNeededMTU, nil
}

// icmp6to4TypeCode is RFC 6145 §5's ICMPv6->ICMPv4 mapping.
func icmp6to4TypeCode(t, code uint8) (uint8, uint8, bool) {
	switch t {
	case layers.ICMPv6TypeDestinationUnreachable:
		switch code {
		case layers.ICMPv6CodeNoRouteToDst, layers.ICMPv6CodeBeyondScopeOfSrc, layers.ICMPv6CodeAddressUnreachable:
			return layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost, true
		case layers.ICMPv6CodeAdminProhibited:
			return layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHostAdminProhibited, true
		case layers.ICMPv6CodePortUnreachable:
			return layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort, true
		default:
			return 0, 0, false
		}
	case layers.ICMPv6TypePacketTooBig:
		return layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeFragmentationNeeded, true
	case layers.ICMPv6TypeTimeExceeded:
		return layers.ICMPv4TypeTimeExceeded, code, true
	case layers.ICMPv6TypeParameterProblem:
		switch code {
		case layers.ICMPv6CodeErroneousHeaderField:
			return layers.ICMPv4TypeParameterProblem, layers.ICMPv4CodePointerIndicatesError, true
		case layers.ICMPv6CodeUnrecognizedNextHeader:
			return layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeProtocol, true
		default:
			return 0, 0, false
		}
	case layers.ICMPv6TypeEchoRequest:
		return layers.ICMPv4TypeEchoRequest, 0, true
	case layers.ICMPv6TypeEchoReply:
		return layers.ICMPv4TypeEchoReply, 0, true
	default:
		return 0, 0, false
	}
}

// translateInner6to4 re-translates the IPv6 packet quoted inside an
// ICMPv6 error into the IPv4 packet the original sender will recognize.
// Its addresses were embedded via pool6 in the first place (this
// translator produced the quoted packet), so a direct RFC 6052 strip
// suffices without a fresh session lookup.
func translateInner6to4(inner []byte, pool6 *Pool6) ([]byte, error) {
	if len(inner) < 40 {
		return nil, ErrMalformedPacket
	}
	pkt := gopacket.NewPacket(inner, layers.LayerTypeIPv6, gopacket.NoCopy)
	l := pkt.Layer(layers.LayerTypeIPv6)
	if l == nil {
		return nil, ErrMalformedPacket
	}
	innerV6 := l.(*layers.IPv6)

	srcPrefix, ok := pool6.Matching(innerV6.SrcIP)
	if !ok {
		return nil, ErrNoSession
	}
	srcV4, err := AddrToV4(innerV6.SrcIP, srcPrefix.Len)
	if err != nil {
		return nil, err
	}
	dstPrefix, ok := pool6.Matching(innerV6.DstIP)
	if !ok {
		dstPrefix = srcPrefix
	}
	dstV4, err := AddrToV4(innerV6.DstIP, dstPrefix.Len)
	if err != nil {
		return nil, err
	}

	body := innerV6.LayerPayload()
	nextHeader := innerV6.NextHeader
	if nextHeader == layers.IPProtocolICMPv6 {
		nextHeader = layers.IPProtocolICMPv4
	}

	v4 := &layers.IPv4{
		Version: 4, TTL: innerV6.HopLimit, TOS: innerV6.TrafficClass,
		Protocol: nextHeader, SrcIP: srcV4, DstIP: dstV4,
	}

	maxBody := 8
	if len(body) < maxBody {
		maxBody = len(body)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, v4, gopacket.Payload(body[:maxBody])); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
