package nat64

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/songgao/water"
	"go.uber.org/zap"
)

// Options configures a Gateway: the TUN device to create, the WAN
// interface traffic masquerades through, and the address pools the
// translator draws from (spec.md §3 "IPv4/IPv6 Pool"). Generalized from
// the teacher's single NAT4Address/NAT6Prefix pair to the pools
// SPEC_FULL.md's data model requires.
type Options struct {
	TunName          string
	WANInterfaceName string
	BufferSize       int
	AutoConfigure    bool
	Pool4Addresses   []net.IP
	Pool6Prefixes    []Prefix6
	Config           *Config
}

// Gateway owns the TUN device and every piece of translator state:
// address pools, BIB, session DB, pending-SYN queue, and the live
// configuration snapshot. It replaces the teacher's per-hook, stateless
// 1:1 rewrite with the six-stage pipeline (incoming tuple -> filtering ->
// outgoing tuple -> translate -> hairpin -> send).
type Gateway struct {
	options Options
	logger  *zap.Logger

	pool4    *Pool4
	pool6    *Pool6
	bib      *BIBSet
	sessions *SessionDB
	pending  *PendingSYNQueue
	filter   *Filtering
	cfg      *ConfigStore

	iface *water.Interface
}

// NewGateway wires the whole translator core from options.
func NewGateway(options Options, logger *zap.Logger) (*Gateway, error) {
	pool4 := NewPool4(options.Pool4Addresses...)
	pool6, err := NewPool6(options.Pool6Prefixes...)
	if err != nil {
		return nil, err
	}
	bib := NewBIBSet(pool4)
	cfg := NewConfigStore(options.Config)

	g := &Gateway{
		options: options,
		logger:  logger,
		pool4:   pool4,
		pool6:   pool6,
		bib:     bib,
		cfg:     cfg,
	}

	g.pending = NewPendingSYNQueue(cfg.Load().PendingSYNCapacity, g.sendPendingSYNUnreachable)
	g.sessions = NewSessionDB(pool6, bib, cfg.Load().TTLs, g.pending, g.sendTCPProbe)
	g.filter = NewFiltering(bib, g.sessions, pool4, pool6, g.pending, cfg.Pointer(), logger)

	return g, nil
}

// Configure creates the TUN device and, when AutoConfigure is set, wires
// routing/NAT with the host's ip/iptables, generalized from a single
// NAT4Address/NAT6Prefix to loop over every configured pool address.
func (g *Gateway) Configure() error {
	if _, err := net.InterfaceByName(g.options.WANInterfaceName); err != nil {
		return fmt.Errorf("error getting WAN interface \"%s\" - does it exist? %w", g.options.WANInterfaceName, err)
	}

	iface, err := g.createTUN()
	if err != nil {
		return err
	}
	g.iface = iface

	if !g.options.AutoConfigure {
		return nil
	}

	g.logger.Info("Configuring NAT64 gateway")

	cmds := []*Command{
		NewCommand(exec.Command("/bin/ip", "link", "set", "dev", g.options.TunName, "up")),
		NewCommand(exec.Command("/usr/sbin/sysctl", "-w", "net.ipv4.ip_forward=1")),
		NewCommand(exec.Command("/usr/sbin/iptables", "-t", "nat", "-A", "POSTROUTING", "-o", g.options.WANInterfaceName, "-j", "MASQUERADE")),
	}
	for _, prefix := range g.pool6.List() {
		// If the route already exists, /bin/ip exits 2 - accept that.
		cmds = append(cmds, NewCommand(exec.Command("/bin/ip", "-6", "route", "add", prefix.String(), "dev", g.options.TunName), 2))
	}
	for _, addr := range g.pool4.List() {
		cmds = append(cmds,
			NewCommand(exec.Command("/bin/ip", "route", "add", addr.String(), "dev", g.options.TunName), 2),
			NewCommand(exec.Command("/usr/sbin/ip6tables", "-t", "nat", "-A", "POSTROUTING", "-o", g.options.TunName, "-j", "SNAT", "--to-source", g.mappedAddr6(addr).String())),
		)
	}

	return NewCommandSet(cmds...).Run(g.logger)
}

// Teardown reverses Configure.
func (g *Gateway) Teardown() error {
	if !g.options.AutoConfigure {
		return nil
	}
	g.logger.Info("Tearing down NAT64 gateway")

	var cmds []*Command
	for _, addr := range g.pool4.List() {
		cmds = append(cmds, NewCommand(exec.Command("/usr/sbin/ip6tables", "-t", "nat", "-D", "POSTROUTING", "-o", g.options.TunName, "-j", "SNAT", "--to-source", g.mappedAddr6(addr).String())))
		cmds = append(cmds, NewCommand(exec.Command("/bin/ip", "route", "del", addr.String(), "dev", g.options.TunName)))
	}
	for _, prefix := range g.pool6.List() {
		cmds = append(cmds, NewCommand(exec.Command("/bin/ip", "-6", "route", "del", prefix.String(), "dev", g.options.TunName)))
	}
	cmds = append(cmds,
		NewCommand(exec.Command("/usr/sbin/iptables", "-t", "nat", "-D", "POSTROUTING", "-o", g.options.WANInterfaceName, "-j", "MASQUERADE")),
		NewCommand(exec.Command("/bin/ip", "link", "delete", g.options.TunName)),
	)
	return NewCommandSet(cmds...).Run(g.logger)
}

// Run starts the TUN read loop, dispatching each packet by IP version to
// the outbound (v6->v4) or inbound (v4->v6) half of the pipeline.
func (g *Gateway) Run() chan error {
	shutdownCh := make(chan error)

	go func(shutdownCh chan error) {
		if g.iface == nil {
			iface, err := g.createTUN()
			if err != nil {
				shutdownCh <- err
				return
			}
			g.iface = iface
		}

		g.logger.Info("Starting NAT64 gateway")

		buf := make([]byte, g.options.BufferSize)
		for {
			n, err := g.iface.Read(buf)
			if err != nil {
				shutdownCh <- err
				return
			}

			pkt := make([]byte, n)
			copy(pkt, buf[:n])

			switch pkt[0] >> 4 {
			case 6:
				g.handleOutboundPacket(pkt, 0)
			case 4:
				g.handleInboundPacket(pkt, 0)
			default:
				g.logger.Warn("Unknown IP version", zap.Uint8("version", pkt[0]>>4))
			}
		}
	}(shutdownCh)

	return shutdownCh
}

func (g *Gateway) createTUN() (*water.Interface, error) {
	config := water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: g.options.TunName,
		},
	}
	g.logger.Info("Creating TUN device", zap.String("tun_name", g.options.TunName))
	return water.New(config)
}

// mappedAddr6 embeds a4 into the first pool6 prefix, for SNAT rules that
// need the translator's own IPv6-side identity for a given pool4 address.
func (g *Gateway) mappedAddr6(a4 net.IP) net.IP {
	prefix, ok := g.pool6.Any()
	if !ok {
		return net.IPv6zero
	}
	return AddrToV6(a4, prefix.Addr, prefix.Len)
}

// writeOrHairpin emits a translated IPv4 packet, unless its destination is
// actually one of this translator's own mapped addresses (spec.md §4.8),
// in which case it is looped back into the inbound path directly instead
// of being handed to the interface.
func (g *Gateway) writeOrHairpin(pkt []byte, l4 L4Proto, dst TupleAddr, depth int) {
	if depth < MaxHairpinDepth && IsHairpin(g.bib, l4, dst) {
		g.handleInboundPacket(pkt, depth+1)
		return
	}
	if _, err := g.iface.Write(pkt); err != nil {
		g.logger.Error("Error writing packet to TUN interface", zap.Error(err))
	}
}
