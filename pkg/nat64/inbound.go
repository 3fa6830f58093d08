package nat64

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// handleInboundPacket runs the six-stage pipeline on a packet arriving on
// the IPv4 side — either read off the TUN device or looped back by a
// hairpin (spec.md §4.8) — producing IPv6 output.
func (g *Gateway) handleInboundPacket(raw []byte, depth int) {
	logger := g.logger.With(zap.String("flow", "inbound"))

	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	nl := packet.NetworkLayer()
	if nl == nil || nl.LayerType() != layers.LayerTypeIPv4 {
		logger.Warn("Packet does not contain an IPv4 layer")
		return
	}
	v4 := nl.(*layers.IPv4)
	payload := v4.LayerPayload()

	if !g.pool4.Contains(v4.DstIP) {
		// Not ours to translate; the kernel's own routing handles it.
		return
	}

	// Stage 1.
	tuple, isError, err := ExtractIncoming4(v4, payload)
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
		sess, verdict, err = g.filter.FilterUDP4(tuple)
	case tuple.L4 == L4ICMP:
		sess, verdict, err = g.filter.FilterICMPQuery4(tuple)
	case tuple.L4 == L4TCP:
		var flags TCPFlags
		flags, err = tcpFlagsFromPayload(payload)
		if err == nil {
			sess, verdict, err = g.filter.FilterTCP4(tuple, flags, raw)
		}
	default:
		err = ErrUnknownProtocol
	}

	switch verdict {
	case VerdictStolen:
		return // queued in the pending-SYN queue; nothing to send yet.
	case VerdictContinue:
		// fall through to translation below.
	default:
		if err != nil && !isError {
			g.replyICMPv4Drop(v4, payload, err)
		}
		return
	}

	// Stage 3 happens inside Translate4to6 via OutgoingV6. Stage 4.
	packets, err := Translate4to6(v4, payload, sess, g.cfg.Load(), g.pool6)
	if err != nil {
		g.replyICMPv4Drop(v4, payload, err)
		return
	}

	// IPv6 destinations are never hairpin candidates for this leg: the
	// recipient is always the genuine IPv6 host recorded on sess.BIB, so
	// stage 5/6 here is just delivery to the TUN device.
	for _, pkt := range packets {
		if _, err := g.iface.Write(pkt); err != nil {
			g.logger.Error("Error writing packet to TUN interface", zap.Error(err))
			return
		}
	}
}

// replyICMPv4Drop emits the ICMPv4 error spec.md §7's table dictates for
// err, addressed back to the original v4 sender.
func (g *Gateway) replyICMPv4Drop(v4 *layers.IPv4, payload []byte, err error) {
	var (
		out      []byte
		buildErr error
	)
	switch {
	case errors.Is(err, ErrNoSession):
		out, buildErr = icmpv4Unreachable(v4, payload, layers.ICMPv4CodeCommAdminProhibited)
	case errors.Is(err, ErrPoolExhausted):
		out, buildErr = icmpv4Unreachable(v4, payload, layers.ICMPv4CodeHost)
	case errors.Is(err, ErrHopLimitExceeded):
		out, buildErr = icmpv4TimeExceeded(v4, payload)
	case errors.Is(err, ErrPacketTooBig):
		out, buildErr = icmpv4FragNeeded(v4, payload, uint16(g.cfg.Load().MinIPv6MTU-20))
	default:
		return
	}
	if buildErr != nil {
		g.logger.Debug("Error building ICMPv4 reply", zap.Error(buildErr))
		return
	}
	if _, err := g.iface.Write(out); err != nil {
		g.logger.Error("Error writing ICMPv4 reply", zap.Error(err))
	}
}

// sendPendingSYNUnreachable is the PendingSYNQueue's timeout callback
// (spec.md §4.7): the originating v4 SYN never got a matching v6 SYN, so
// the sender is told the port is unreachable.
func (g *Gateway) sendPendingSYNUnreachable(_ *Session, packet []byte) {
	pkt := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.Default)
	nl := pkt.NetworkLayer()
	if nl == nil || nl.LayerType() != layers.LayerTypeIPv4 {
		return
	}
	v4 := nl.(*layers.IPv4)
	out, err := icmpv4Unreachable(v4, v4.LayerPayload(), layers.ICMPv4CodePort)
	if err != nil {
		g.logger.Debug("Error building pending-SYN ICMPv4 reply", zap.Error(err))
		return
	}
	if _, err := g.iface.Write(out); err != nil {
		g.logger.Error("Error writing pending-SYN ICMPv4 reply", zap.Error(err))
	}
}

// sendTCPProbe implements the empty-ACK keepalive probe spec.md §4.5
// dictates when a TCP session hits ESTABLISHED's tcp_est timeout without
// a preceding FIN (RFC 6146 §3.5.2.2): a minimal IPv6 TCP ACK with
// zeroed sequence and acknowledgement numbers is routed through the host
// stack toward the genuine IPv6 host (pair6.local), addressed as if it
// came from the real IPv4 peer's synthesized IPv6 representation
// (pair6.remote), so the host's own stack answers and confirms the
// connection is still alive before the (shorter) TRANS timer takes over.
func (g *Gateway) sendTCPProbe(s *Session) {
	pair := OutgoingV6(s)
	v6 := &layers.IPv6{
		Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
		SrcIP: pair.Src.Addr.To16(), DstIP: pair.Dst.Addr.To16(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(pair.Src.Id),
		DstPort: layers.TCPPort(pair.Dst.Id),
		Seq:     0,
		Ack:     0,
		ACK:     true,
		Window:  0,
	}
	if err := tcp.SetNetworkLayerForChecksum(v6); err != nil {
		g.logger.Debug("Error preparing TCP probe", zap.Error(err))
		return
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, v6, tcp); err != nil {
		g.logger.Debug("Error serializing TCP probe", zap.Error(err))
		return
	}
	if _, err := g.iface.Write(buf.Bytes()); err != nil {
		g.logger.Error("Error writing TCP probe", zap.Error(err))
	}
}
