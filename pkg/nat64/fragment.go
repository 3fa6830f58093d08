package nat64

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// fragmentIPv6 splits an already-serialized IPv6 payload (post header,
// with any transport checksum already computed over the whole thing) into
// fragments no larger than mtu, inserting an IPv6 Fragment extension
// header per RFC 6145 §5 / RFC 8200 §4.5 (spec.md §4.6.4). ident should be
// the originating IPv4 packet's Identification field, so a host
// reassembling fragments that were already fragmented on the IPv4 side
// keys them consistently.
func fragmentIPv6(v6 *layers.IPv6, payload []byte, mtu int, ident uint32) ([][]byte, error) {
	const fragHeaderLen = 8

	maxFragPayload := ((mtu - ipv6HeaderLen - fragHeaderLen) / 8) * 8
	if maxFragPayload <= 0 {
		return nil, ErrPacketTooBig
	}

	var out [][]byte
	for offset := 0; offset < len(payload); offset += maxFragPayload {
		end := offset + maxFragPayload
		last := end >= len(payload)
		if last {
			end = len(payload)
		}

		frag := &layers.IPv6{
			Version:      6,
			TrafficClass: v6.TrafficClass,
			HopLimit:     v6.HopLimit,
			NextHeader:   layers.IPProtocolIPv6Fragment,
			SrcIP:        v6.SrcIP,
			DstIP:        v6.DstIP,
		}
		fragHdr := &layers.IPv6Fragment{
			NextHeader:     v6.NextHeader,
			FragmentOffset: uint16(offset / 8),
			MoreFragments:  !last,
			Identification: ident,
		}

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true}
		if err := gopacket.SerializeLayers(buf, opts, frag, fragHdr, gopacket.Payload(payload[offset:end])); err != nil {
			return nil, err
		}
		out = append(out, buf.Bytes())
	}
	return out, nil
}
