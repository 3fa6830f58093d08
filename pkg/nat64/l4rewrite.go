package nat64

import (
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ipv4IDCounter backs BuildIPv4ID: a process-wide incrementing source of
// Identification values for translated IPv4 packets, since RFC 6145
// §4.6.1 only prescribes zero, not a specific alternative.
var ipv4IDCounter uint32

func nextIPv4ID(cfg *Config) uint16 {
	if !cfg.BuildIPv4ID {
		return 0
	}
	return uint16(atomic.AddUint32(&ipv4IDCounter, 1))
}

// dfFlag decides whether a translated IPv4 packet carries Don't Fragment,
// per DFAlwaysOn (spec.md §6). This translator doesn't reassemble
// fragmented IPv6 input (spec.md §1 Non-goals), so absent DFAlwaysOn it
// leaves the bit clear rather than guessing at the original's
// fragmentability.
func dfFlag(cfg *Config) layers.IPv4Flag {
	if cfg.DFAlwaysOn {
		return layers.IPv4DontFragment
	}
	return 0
}

// retarget decodes a TCP or UDP segment out of payload, rewrites its ports
// to (srcPort, dstPort) and binds it to network for pseudo-header checksum
// recomputation on serialization (spec.md §4.6.1/§4.6.2). Mirrors the
// teacher's per-hook "parse, rewrite, let gopacket fix the checksum" shape
// from gateway.go, generalized from address-only rewriting to port
// rewriting as well.
func retarget(proto layers.IPProtocol, payload []byte, network gopacket.NetworkLayer, srcPort, dstPort uint16) (gopacket.SerializableLayer, []byte, error) {
	switch proto {
	case layers.IPProtocolTCP:
		pkt := gopacket.NewPacket(payload, layers.LayerTypeTCP, gopacket.NoCopy)
		l := pkt.Layer(layers.LayerTypeTCP)
		if l == nil {
			return nil, nil, ErrMalformedPacket
		}
		tcp := l.(*layers.TCP)
		tcp.SrcPort = layers.TCPPort(srcPort)
		tcp.DstPort = layers.TCPPort(dstPort)
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, nil, err
		}
		return tcp, tcp.LayerPayload(), nil

	case layers.IPProtocolUDP:
		pkt := gopacket.NewPacket(payload, layers.LayerTypeUDP, gopacket.NoCopy)
		l := pkt.Layer(layers.LayerTypeUDP)
		if l == nil {
			return nil, nil, ErrMalformedPacket
		}
		udp := l.(*layers.UDP)
		udp.SrcPort = layers.UDPPort(srcPort)
		udp.DstPort = layers.UDPPort(dstPort)
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, nil, err
		}
		return udp, udp.LayerPayload(), nil

	default:
		return nil, nil, ErrUnknownProtocol
	}
}

// translateL4Generic4 rewrites a TCP/UDP segment's ports into pair and
// wraps it in a translated IPv4 header. IPv4 output is never fragmented by
// this translator (spec.md §4.6.4 only fragments on the 4->6 leg); an
// oversized result here means the interface MTU handles it downstream, as
// on any ordinary outbound IPv4 path.
func translateL4Generic4(hopLimit, trafficClass uint8, cfg *Config, proto layers.IPProtocol, pair OutgoingPair, payload []byte) ([][]byte, error) {
	ttl := decrementTTL(hopLimit)
	if ttl == 0 {
		return nil, ErrHopLimitExceeded
	}

	tos := trafficClass
	if cfg.ResetTOS {
		tos = cfg.NewTOS
	}

	v4 := &layers.IPv4{
		Version:  4,
		TOS:      tos,
		TTL:      ttl,
		Id:       nextIPv4ID(cfg),
		Flags:    dfFlag(cfg),
		Protocol: proto,
		SrcIP:    pair.Src.Addr.To4(),
		DstIP:    pair.Dst.Addr.To4(),
	}

	l4, body, err := retarget(proto, payload, v4, pair.Src.Id, pair.Dst.Id)
	if err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, v4, l4, gopacket.Payload(body)); err != nil {
		return nil, err
	}
	return [][]byte{buf.Bytes()}, nil
}

// translateL4Generic6 is translateL4Generic4's inverse. When the resulting
// packet exceeds minMTU, it is fragmented (spec.md §4.6.4) unless df is
// set, in which case the caller should report ErrPacketTooBig back toward
// the IPv4 sender instead of forwarding.
func translateL4Generic6(ttl, tos uint8, cfg *Config, proto layers.IPProtocol, pair OutgoingPair, payload []byte, df bool, ident uint32) ([][]byte, error) {
	hopLimit := decrementTTL(ttl)
	if hopLimit == 0 {
		return nil, ErrHopLimitExceeded
	}

	trafficClass := tos
	if cfg.ResetTrafficClass {
		trafficClass = cfg.NewTOS
	}

	v6 := &layers.IPv6{
		Version:      6,
		TrafficClass: trafficClass,
		HopLimit:     hopLimit,
		NextHeader:   proto,
		SrcIP:        pair.Src.Addr.To16(),
		DstIP:        pair.Dst.Addr.To16(),
	}

	l4, body, err := retarget(proto, payload, v6, pair.Src.Id, pair.Dst.Id)
	if err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, v6, l4, gopacket.Payload(body)); err != nil {
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
