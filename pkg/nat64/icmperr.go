package nat64

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ICMP errors the translator itself originates (spec.md §7): these always
// travel back toward the original sender in the original packet's own
// family, quoting the offending header, and are never subject to
// stage 1-5 translation themselves.

const icmpQuoteLen = 8

func quote(payload []byte) []byte {
	if len(payload) > icmpQuoteLen {
		return payload[:icmpQuoteLen]
	}
	return payload
}

// buildICMPv4Error wraps v4's header plus up to 8 bytes of payload as the
// body of an ICMPv4 error addressed back to v4.SrcIP. id/seq occupy the
// 4 bytes after the checksum field, which for Destination Unreachable
// code 4 (Fragmentation Needed) is unused(2)+next-hop-MTU(2): pass
// id=0, seq=mtu for that case.
func buildICMPv4Error(v4 *layers.IPv4, payload []byte, msgType, code uint8, id, seq uint16) ([]byte, error) {
	orig := &layers.IPv4{
		Version: 4, IHL: 5, TOS: v4.TOS, TTL: v4.TTL,
		Protocol: v4.Protocol, SrcIP: v4.SrcIP, DstIP: v4.DstIP,
		Id: v4.Id, Flags: v4.Flags, FragOffset: v4.FragOffset,
	}
	body := gopacket.NewSerializeBuffer()
	bodyOpts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(body, bodyOpts, orig, gopacket.Payload(quote(payload))); err != nil {
		return nil, err
	}

	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(msgType, code), Id: id, Seq: seq}
	reply := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		Flags: layers.IPv4DontFragment,
		SrcIP: v4.DstIP, DstIP: v4.SrcIP,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, reply, icmp, gopacket.Payload(body.Bytes())); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildICMPv6Error is buildICMPv4Error's IPv6 counterpart. mtu32 is only
// meaningful for Packet Too Big (type 2): the 4 bytes after the checksum
// hold the next-hop MTU as a single 32-bit field rather than IPv4's
// split unused/MTU halves.
func buildICMPv6Error(v6 *layers.IPv6, payload []byte, msgType, code uint8, mtu32 uint32) ([]byte, error) {
	orig := &layers.IPv6{
		Version: 6, TrafficClass: v6.TrafficClass, HopLimit: v6.HopLimit,
		NextHeader: v6.NextHeader, SrcIP: v6.SrcIP, DstIP: v6.DstIP,
	}
	body := gopacket.NewSerializeBuffer()
	bodyOpts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(body, bodyOpts, orig, gopacket.Payload(quote(payload))); err != nil {
		return nil, err
	}

	reply := &layers.IPv6{
		Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolICMPv6,
		SrcIP: v6.DstIP, DstIP: v6.SrcIP,
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(msgType, code)}
	if err := icmp.SetNetworkLayerForChecksum(reply); err != nil {
		return nil, err
	}

	var mtuField [4]byte
	binary.BigEndian.PutUint32(mtuField[:], mtu32)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	layersOut := []gopacket.SerializableLayer{reply, icmp, gopacket.Payload(mtuField[:]), gopacket.Payload(body.Bytes())}
	if err := gopacket.SerializeLayers(buf, opts, layersOut...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// icmpv4Unreachable, icmpv4TimeExceeded, icmpv4FragNeeded, icmpv6Unreachable
// and icmpv6TimeExceeded are the specific error instances spec.md §7's
// table calls for. There is no icmpv6PacketTooBig: the 6->4 leg never
// fragments or DF-checks its output (translateL4Generic4's doc comment),
// so nothing in this translator ever needs to tell a v6 sender to shrink
// its packets — that direction's only Packet Too Big traffic is the
// ICMPv6 message itself passing through translateICMPv6to4.
func icmpv4Unreachable(v4 *layers.IPv4, payload []byte, code uint8) ([]byte, error) {
	return buildICMPv4Error(v4, payload, layers.ICMPv4TypeDestinationUnreachable, code, 0, 0)
}

func icmpv4TimeExceeded(v4 *layers.IPv4, payload []byte) ([]byte, error) {
	return buildICMPv4Error(v4, payload, layers.ICMPv4TypeTimeExceeded, 0, 0, 0)
}

func icmpv4FragNeeded(v4 *layers.IPv4, payload []byte, mtu uint16) ([]byte, error) {
	return buildICMPv4Error(v4, payload, layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeFragmentationNeeded, 0, mtu)
}

func icmpv6Unreachable(v6 *layers.IPv6, payload []byte, code uint8) ([]byte, error) {
	return buildICMPv6Error(v6, payload, layers.ICMPv6TypeDestinationUnreachable, code, 0)
}

func icmpv6TimeExceeded(v6 *layers.IPv6, payload []byte) ([]byte, error) {
	return buildICMPv6Error(v6, payload, layers.ICMPv6TypeTimeExceeded, 0, 0)
}
