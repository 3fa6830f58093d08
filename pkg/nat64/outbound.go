package nat64

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// tcpFlagsFromPayload reads the control bits out of a raw TCP segment
// without a full gopacket layer decode, mirroring incoming.go's
// port-only extractL4.
func tcpFlagsFromPayload(payload []byte) (TCPFlags, error) {
	if len(payload) < 14 {
		return TCPFlags{}, ErrMalformedPacket
	}
	b := payload[13]
	return TCPFlags{
		FIN: b&0x01 != 0,
		SYN: b&0x02 != 0,
		RST: b&0x04 != 0,
		ACK: b&0x10 != 0,
	}, nil
}

// handleOutboundPacket runs the six-stage pipeline on a packet arriving on
// the IPv6 side of the TUN device, producing IPv4 output (spec.md §4).
// depth guards against re-entering via hairpinning more than once.
func (g *Gateway) handleOutboundPacket(raw []byte, depth int) {
	logger := g.logger.With(zap.String("flow", "outbound"))

	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.Default)
	nl := packet.NetworkLayer()
	if nl == nil || nl.LayerType() != layers.LayerTypeIPv6 {
		logger.Warn("Packet does not contain an IPv6 layer")
		return
	}
	v6 := nl.(*layers.IPv6)
	payload := v6.LayerPayload()

	// Stage 1.
	tuple, isError, err := ExtractIncoming6(v6, payload)
	if err != nil {
		logger.Debug("Stage 1 rejected packet", zap.Error(err))
		return
	}

	// Stage 2.
	var sess *Session
	var verdict Verdict
	switch {
	case isError:
		sess, verdict, err = g.filter.FilterICMPError(tuple)
	case tuple.L4 == L4UDP:
		sess, verdict, err = g.filter.FilterUDP6(tuple)
	case tuple.L4 == L4ICMP:
		sess, verdict, err = g.filter.FilterICMPQuery6(tuple)
	case tuple.L4 == L4TCP:
		var flags TCPFlags
		flags, err = tcpFlagsFromPayload(payload)
		if err == nil {
			sess, verdict, err = g.filter.FilterTCP6(tuple, flags)
		}
	default:
		err = ErrUnknownProtocol
	}

	if verdict != VerdictContinue || err != nil {
		if err != nil && !isError {
			g.replyICMPv6Drop(v6, payload, err)
		}
		return
	}

	// Stage 3 happens inside Translate6to4 via OutgoingV4. Stage 4.
	packets, err := Translate6to4(v6, payload, sess, g.cfg.Load(), g.pool6)
	if err != nil {
		g.replyICMPv6Drop(v6, payload, err)
		return
	}

	// Stage 5/6.
	pair := OutgoingV4(sess)
	for _, pkt := range packets {
		g.writeOrHairpin(pkt, sess.L4, pair.Dst, depth)
	}
}

// replyICMPv6Drop emits the ICMPv6 error spec.md §7's table dictates for
// err, addressed back to the original v6 sender. Errors with no listed
// ICMP response (malformed, unknown protocol, internal allocation
// failure) are dropped silently.
func (g *Gateway) replyICMPv6Drop(v6 *layers.IPv6, payload []byte, err error) {
	var (
		out      []byte
		buildErr error
	)
	switch {
	case errors.Is(err, ErrNoSession):
		out, buildErr = icmpv6Unreachable(v6, payload, layers.ICMPv6CodeAdminProhibited)
	case errors.Is(err, ErrPoolExhausted):
		out, buildErr = icmpv6Unreachable(v6, payload, layers.ICMPv6CodeAddressUnreachable)
	case errors.Is(err, ErrHopLimitExceeded):
		out, buildErr = icmpv6TimeExceeded(v6, payload)
	default:
		return
	}
	if buildErr != nil {
		g.logger.Debug("Error building ICMPv6 reply", zap.Error(buildErr))
		return
	}
	if _, err := g.iface.Write(out); err != nil {
		g.logger.Error("Error writing ICMPv6 reply", zap.Error(err))
	}
}
