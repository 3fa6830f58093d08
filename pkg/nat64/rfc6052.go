package nat64

import "net"

// ValidPrefixLengths are the only pool6 prefix lengths RFC 6052 permits.
// Pools reject any other length at load time (spec.md §4.1), so AddrToV4
// and AddrToV6 can assume a valid length.
var ValidPrefixLengths = [...]int{32, 40, 48, 56, 64, 96}

func isValidPrefixLen(n int) bool {
	for _, v := range ValidPrefixLengths {
		if v == n {
			return true
		}
	}
	return false
}

// AddrToV4 extracts the IPv4 address embedded in a6 at the offset dictated
// by prefixLen, per RFC 6052 §2.2. Octet 8 (the "u" octet) is skipped and
// must be zero for prefix lengths below 96; otherwise AddrToV4 fails with
// ErrInvalidAddress. This is addr_6to4 in spec.md §4.1.
func AddrToV4(a6 net.IP, prefixLen int) (net.IP, error) {
	a := a6.To16()
	if a == nil {
		return nil, ErrMalformedPacket
	}
	if prefixLen != 96 && a[8] != 0 {
		return nil, ErrInvalidAddress
	}

	v4 := make(net.IP, 4)
	switch prefixLen {
	case 32:
		copy(v4, a[4:8])
	case 40:
		copy(v4[0:3], a[5:8])
		v4[3] = a[9]
	case 48:
		copy(v4[0:2], a[6:8])
		copy(v4[2:4], a[9:11])
	case 56:
		v4[0] = a[7]
		copy(v4[1:4], a[9:12])
	case 64:
		copy(v4, a[9:13])
	case 96:
		copy(v4, a[12:16])
	default:
		return nil, ErrInvalidAddress
	}
	return v4, nil
}

// AddrToV6 embeds a4 into the prefix "prefix"/prefixLen, writing zero into
// the skipped "u" octet, per RFC 6052 §2.2. This is addr_4to6 in spec.md
// §4.1.
func AddrToV6(a4 net.IP, prefix net.IP, prefixLen int) net.IP {
	v4 := a4.To4()
	out := make(net.IP, 16)
	copy(out, prefix.To16())

	switch prefixLen {
	case 32:
		copy(out[4:8], v4)
	case 40:
		copy(out[5:8], v4[0:3])
		out[9] = v4[3]
	case 48:
		copy(out[6:8], v4[0:2])
		copy(out[9:11], v4[2:4])
	case 56:
		out[7] = v4[0]
		copy(out[9:12], v4[1:4])
	case 64:
		copy(out[9:13], v4)
	case 96:
		copy(out[12:16], v4)
	}

	if prefixLen != 96 {
		out[8] = 0
	}
	return out
}
