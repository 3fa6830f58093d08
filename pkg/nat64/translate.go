package nat64

import (
	"github.com/google/gopacket/layers"
)

const ipv6HeaderLen = 40

// decrementTTL mirrors RFC 6145's hop limit handling: 0 in means the
// packet was already at its limit and must not be forwarded.
func decrementTTL(ttl uint8) uint8 {
	if ttl == 0 {
		return 0
	}
	return ttl - 1
}

// Translate6to4 builds the IPv4 packet(s) corresponding to an IPv6
// packet that stage 2/3 has resolved to sess (spec.md §4.6), grounded on
// original_source/mod/translate_packet.c and the teacher's
// icmp4to6.go/icmp6to4.go (RFC 6145 §5 type/code tables, restructured).
func Translate6to4(v6 *layers.IPv6, payload []byte, sess *Session, cfg *Config, pool6 *Pool6) ([][]byte, error) {
	pair := OutgoingV4(sess)

	switch v6.NextHeader {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		return translateL4Generic4(v6.HopLimit, v6.TrafficClass, cfg, v6.NextHeader, pair, payload)
	case layers.IPProtocolICMPv6:
		return translateICMPv6to4(v6, payload, pair, pool6, cfg)
	default:
		return nil, ErrUnknownProtocol
	}
}

// Translate4to6 is Translate6to4's inverse.
func Translate4to6(v4 *layers.IPv4, payload []byte, sess *Session, cfg *Config, pool6 *Pool6) ([][]byte, error) {
	pair := OutgoingV6(sess)
	df := v4.Flags&layers.IPv4DontFragment != 0

	switch v4.Protocol {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		return translateL4Generic6(v4.TTL, v4.TOS, cfg, v4.Protocol, pair, payload, df, uint32(v4.Id))
	case layers.IPProtocolICMPv4:
		return translateICMPv4to6(v4, payload, pair, pool6, cfg, df, uint32(v4.Id))
	default:
		return nil, ErrUnknownProtocol
	}
}
