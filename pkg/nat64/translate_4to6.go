package nat64

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// translateICMPv4to6 converts an ICMPv4 message into ICMPv6 (spec.md
// §4.6.3), grounded on the teacher's ICMPv4Converter/translateICMPv4
// (RFC 6145 §5 type/code table, kept and restructured for session-driven
// addressing rather than a single fixed NAT4Address/NAT6Prefix pair). The
// outer packet's addresses come from pair, same as an ordinary datagram in
// this session; RFC 6145 §4.3 has an intermediate router keep its own
// identity, which this translator does not attempt to preserve.
func translateICMPv4to6(v4 *layers.IPv4, payload []byte, pair OutgoingPair, pool6 *Pool6, cfg *Config, df bool, ident uint32) ([][]byte, error) {
	hopLimit := decrementTTL(v4.TTL)
	if hopLimit == 0 {
		return nil, ErrHopLimitExceeded
	}
	if len(payload) < 8 {
		return nil, ErrMalformedPacket
	}

	msgType, code := payload[0], payload[1]
	newType, newCode, forward := icmp4to6TypeCode(msgType, code)
	if !forward {
		return nil, ErrUnknownProtocol
	}

	trafficClass := v4.TOS
	if cfg.ResetTrafficClass {
		trafficClass = cfg.NewTOS
	}

	v6 := &layers.IPv6{
		Version:      6,
		TrafficClass: trafficClass,
		HopLimit:     hopLimit,
		NextHeader:   layers.IPProtocolICMPv6,
		SrcIP:        pair.Src.Addr.To16(),
		DstIP:        pair.Dst.Addr.To16(),
	}

	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(newType, newCode)}
	if err := icmp.SetNetworkLayerForChecksum(v6); err != nil {
		return nil, err
	}

	outLayers := []gopacket.SerializableLayer{v6, icmp}
	switch {
	case msgType == layers.ICMPv4TypeEchoRequest || msgType == layers.ICMPv4TypeEchoReply:
		if len(payload) < 8 {
			return nil, ErrMalformedPacket
		}
		outLayers = append(outLayers,
			&layers.ICMPv6Echo{Identifier: pair.Src.Id, SeqNumber: beUint16(payload[6:8])},
			gopacket.Payload(payload[8:]))
	case msgType == layers.ICMPv4TypeDestinationUnreachable && code == layers.ICMPv4CodeFragmentationNeeded:
		// The 4 bytes after the checksum are unused(2)+next-hop-MTU(2) in
		// ICMPv4, but a single 32 bit MTU field in ICMPv6 Packet Too Big
		// (RFC 6145 §4.6.1): add back the 20 bytes an IPv6 header costs
		// over IPv4's, falling back to a plateau when the router that
		// sent this didn't include an MTU at all.
		origMTU := beUint16(payload[6:8])
		mtu32 := selectPacketTooBigMTU(origMTU, cfg)
		var mtuField [4]byte
		binary.BigEndian.PutUint32(mtuField[:], mtu32)
		inner, err := translateInner4to6(payload[8:], pool6)
		if err != nil {
			return nil, err
		}
		outLayers = append(outLayers, gopacket.Payload(mtuField[:]), gopacket.Payload(inner))
	default:
		inner, err := translateInner4to6(payload[8:], pool6)
		if err != nil {
			return nil, err
		}
		outLayers = append(outLayers, gopacket.Payload{0, 0, 0, 0}, gopacket.Payload(inner))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, outLayers...); err != nil {
		return nil, err
	}
	full := buf.Bytes()

	if len(full) <= cfg.MinIPv6MTU {
		return [][]byte{full}, nil
	}
	if df {
		return nil, ErrPacketTooBig
	}
	return fragmentIPv6(v6, full[ipv6HeaderLen:], cfg.MinIPv6MTU, ident)
}

// selectPacketTooBigMTU is translateICMPv6to4's inverse: origMTU is an
// ICMPv4 Fragmentation Needed message's next-hop MTU (0 if the router
// that sent it predates RFC 1191). Adding 20 accounts for IPv6's larger
// header; a missing MTU falls back to the largest configured plateau at
// or below min_ipv6_mtu.
func selectPacketTooBigMTU(origMTU uint16, cfg *Config) uint32 {
	if origMTU > 0 {
		return uint32(origMTU) + 20
	}
	for _, p := range cfg.MTUPlateaus {
		if p <= cfg.MinIPv6MTU {
			return uint32(p)
		}
	}
	return uint32(cfg.MinIPv6MTU)
}

// icmp4to6TypeCode is RFC 6145 §5's ICMPv4->ICMPv6 mapping.
func icmp4to6TypeCode(t, code uint8) (uint8, uint8, bool) {
	switch t {
	case layers.ICMPv4TypeEchoRequest:
		return layers.ICMPv6TypeEchoRequest, 0, true
	case layers.ICMPv4TypeEchoReply:
		return layers.ICMPv6TypeEchoReply, 0, true
	case layers.ICMPv4TypeDestinationUnreachable:
		switch code {
		case layers.ICMPv4CodeNet, layers.ICMPv4CodeHost,
			layers.ICMPv4CodeNetUnknown, layers.ICMPv4CodeHostUnknown, layers.ICMPv4CodeSourceIsolated,
			layers.ICMPv4CodeNetTOS, layers.ICMPv4CodeHostTOS:
			return layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodeNoRouteToDst, true
		case layers.ICMPv4CodeProtocol:
			return layers.ICMPv6TypeParameterProblem, layers.ICMPv6CodeUnrecognizedNextHeader, true
		case layers.ICMPv4CodePort:
			return layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodePortUnreachable, true
		case layers.ICMPv4CodeFragmentationNeeded:
			return layers.ICMPv6TypePacketTooBig, 0, true
		case layers.ICMPv4CodeNetAdminProhibited, layers.ICMPv4CodeHostAdminProhibited, layers.ICMPv4CodeCommAdminProhibited:
			return layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodeAdminProhibited, true
		default:
			return 0, 0, false
		}
	case layers.ICMPv4TypeTimeExceeded:
		return layers.ICMPv6TypeTimeExceeded, code, true
	case layers.ICMPv4TypeParameterProblem:
		switch code {
		case layers.ICMPv4CodePointerIndicatesError, layers.ICMPv4CodeBadLength:
			return layers.ICMPv6TypeParameterProblem, layers.ICMPv6CodeErroneousHeaderField, true
		default:
			return 0, 0, false
		}
	default:
		return 0, 0, false
	}
}

// translateInner4to6 re-translates the IPv4 packet quoted inside an
// ICMPv4 error into the IPv6 packet the original sender will recognize.
// The quoted packet's source is the real v6 host itself (unreachable, so
// embedded via pool6 rather than looked up in a session) and its
// destination is the peer address this translator already assigned it, so
// both sides are recoverable by straight RFC 6052 embedding.
func translateInner4to6(inner []byte, pool6 *Pool6) ([]byte, error) {
	if len(inner) < 20 {
		return nil, ErrMalformedPacket
	}
	pkt := gopacket.NewPacket(inner, layers.LayerTypeIPv4, gopacket.NoCopy)
	l := pkt.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil, ErrMalformedPacket
	}
	innerV4 := l.(*layers.IPv4)

	prefix, ok := pool6.Any()
	if !ok {
		return nil, ErrNoSession
	}
	srcV6 := AddrToV6(innerV4.SrcIP, prefix.Addr, prefix.Len)
	dstV6 := AddrToV6(innerV4.DstIP, prefix.Addr, prefix.Len)

	body := innerV4.LayerPayload()
	nextHeader := innerV4.Protocol

	v6 := &layers.IPv6{
		Version: 6, TrafficClass: innerV4.TOS, HopLimit: innerV4.TTL,
		NextHeader: nextHeader, SrcIP: srcV6, DstIP: dstV6,
	}

	var outLayers []gopacket.SerializableLayer
	if nextHeader == layers.IPProtocolICMPv4 && len(body) >= 8 {
		innerICMP := gopacket.NewPacket(body, layers.LayerTypeICMPv4, gopacket.NoCopy)
		icmpLayer, _ := innerICMP.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if icmpLayer != nil {
			newType, newCode, _ := icmp4to6TypeCode(icmpLayer.TypeCode.Type(), icmpLayer.TypeCode.Code())
			v6.NextHeader = layers.IPProtocolICMPv6
			icmpV6 := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(newType, newCode)}
			if err := icmpV6.SetNetworkLayerForChecksum(v6); err != nil {
				return nil, err
			}
			payload := body[8:]
			maxBody := 8
			if len(payload) < maxBody {
				maxBody = len(payload)
			}
			outLayers = []gopacket.SerializableLayer{v6, icmpV6, gopacket.Payload{0, 0, 0, 0}, gopacket.Payload(payload[:maxBody])}
		}
	}
	if outLayers == nil {
		maxBody := 8
		if len(body) < maxBody {
			maxBody = len(body)
		}
		outLayers = []gopacket.SerializableLayer{v6, gopacket.Payload(body[:maxBody])}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, outLayers...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func beUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
