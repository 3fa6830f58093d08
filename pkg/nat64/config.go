package nat64

import (
	"sort"
	"sync/atomic"
	"time"
)

// Default timers, straight from RFC 6146 §4 and Jool's own defaults
// (original_source/mod/config_proto.h documents the units; the values
// here are the RFC's recommended minimums/defaults).
const (
	DefaultUDPTimeout      = 5 * time.Minute
	DefaultICMPTimeout     = 60 * time.Second
	DefaultTCPEstTimeout   = 2 * time.Hour
	DefaultTCPTransTimeout = 4 * time.Minute
	DefaultSYNTimeout      = 6 * time.Second

	// MinUDPTimeout is RFC 6146 §4's floor: implementations MUST NOT allow
	// the UDP timeout to be configured below two minutes.
	MinUDPTimeout = 2 * time.Minute
	// MinTCPEstTimeout is RFC 6146 §4's floor for the established timeout.
	MinTCPEstTimeout = 2 * time.Hour
	// MinTCPTransTimeout is RFC 6146 §4's floor for the transitory timeout.
	MinTCPTransTimeout = 4 * time.Minute

	DefaultPendingSYNCapacity = 1024
	DefaultMinIPv6MTU         = 1280

	// MinFragNeededMTU is RFC 6145 §4.6.1's floor for a synthesized
	// ICMPv4 Fragmentation Needed MTU: below this, the receiving host has
	// no useful path MTU to act on.
	MinFragNeededMTU = 68
)

// DefaultMTUPlateaus is RFC 1191's example plateau table, used verbatim
// by original_source/mod/translate_packet.c as the default candidate
// list for synthesizing a Fragmentation Needed MTU when the real
// next-hop MTU is unavailable.
var DefaultMTUPlateaus = []int{65535, 32000, 17914, 8166, 4352, 2002, 1492, 1006, 508, 296, 68}

// Config is the translator's live, atomically-swappable configuration
// snapshot (spec.md §6), field-for-field grounded on
// original_source/include/nat64/comm/config_proto.h's sessiondb_config,
// pktqueue_config, filtering_config, translate_config and
// fragmentation_config structs. Swapped wholesale via atomic.Pointer
// rather than mutated in place, so datapath reads never take a lock
// (spec.md §5).
type Config struct {
	// sessiondb_config
	TTLs SessionTTLs

	// pktqueue_config
	PendingSYNCapacity int

	// filtering_config
	DropExternallyInitiatedTCP bool
	AddressDependentFiltering  bool
	DropICMPv6Info             bool

	// translate_config / fragmentation_config
	MinIPv6MTU int

	// ResetTrafficClass, if set, overwrites a translated IPv6 packet's
	// traffic class with NewTOS instead of copying the IPv4 packet's TOS
	// byte across (4->6 leg).
	ResetTrafficClass bool
	// ResetTOS is ResetTrafficClass's mirror on the 6->4 leg: overwrites
	// the translated IPv4 packet's TOS byte with NewTOS instead of
	// copying the IPv6 packet's traffic class across.
	ResetTOS bool
	// NewTOS is the value ResetTrafficClass/ResetTOS substitute in.
	NewTOS uint8
	// DFAlwaysOn forces the Don't Fragment bit on every translated IPv4
	// packet. When false, the bit is left clear on every translated
	// packet.
	DFAlwaysOn bool
	// BuildIPv4ID, if set, assigns translated IPv4 packets an
	// Identification field from an internal counter instead of always
	// emitting zero (RFC 6145 §4.6.1's zero-when-unfragmented default).
	BuildIPv4ID bool
	// LowerMTUFail, if set, makes a Packet Too Big -> Fragmentation
	// Needed translation fail outright (spec.md §7's ErrPacketTooBig)
	// rather than reporting MinFragNeededMTU when the adjusted MTU
	// underflows it.
	LowerMTUFail bool
	// MTUPlateaus is RFC 1191's candidate MTU table (spec.md §6: sorted
	// descending, deduplicated, nonempty, non-zero), consulted when a
	// Packet Too Big message's own MTU field can't be trusted.
	MTUPlateaus []int
}

// normalizeMTUPlateaus enforces spec.md §6's shape: sorted descending,
// deduplicated, nonempty, non-zero. An empty or all-non-positive input
// falls back to DefaultMTUPlateaus.
func normalizeMTUPlateaus(in []int) []int {
	out := make([]int, 0, len(in))
	for _, v := range in {
		if v > 0 {
			out = append(out, v)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	deduped := out[:0]
	for i, v := range out {
		if i == 0 || v != deduped[len(deduped)-1] {
			deduped = append(deduped, v)
		}
	}
	if len(deduped) == 0 {
		return append([]int(nil), DefaultMTUPlateaus...)
	}
	return deduped
}

// DefaultConfig returns the translator's out-of-the-box configuration.
func DefaultConfig() *Config {
	return &Config{
		TTLs: SessionTTLs{
			UDP:      DefaultUDPTimeout,
			ICMP:     DefaultICMPTimeout,
			TCPEst:   DefaultTCPEstTimeout,
			TCPTrans: DefaultTCPTransTimeout,
			SYN:      DefaultSYNTimeout,
		},
		PendingSYNCapacity:         DefaultPendingSYNCapacity,
		DropExternallyInitiatedTCP: false,
		AddressDependentFiltering:  false,
		DropICMPv6Info:             false,
		MinIPv6MTU:                 DefaultMinIPv6MTU,
		ResetTrafficClass:          false,
		ResetTOS:                   false,
		NewTOS:                     0,
		DFAlwaysOn:                 true,
		BuildIPv4ID:                false,
		LowerMTUFail:               true,
		MTUPlateaus:                append([]int(nil), DefaultMTUPlateaus...),
	}
}

// clampTimeouts enforces the RFC 6146 floors that spec.md §6 calls out
// (ICMP intentionally has none, per DESIGN.md's Open Question decision),
// and normalizes MTUPlateaus into the shape spec.md §6 requires.
func (c *Config) clampTimeouts() {
	if c.TTLs.UDP < MinUDPTimeout {
		c.TTLs.UDP = MinUDPTimeout
	}
	if c.TTLs.TCPEst < MinTCPEstTimeout {
		c.TTLs.TCPEst = MinTCPEstTimeout
	}
	if c.TTLs.TCPTrans < MinTCPTransTimeout {
		c.TTLs.TCPTrans = MinTCPTransTimeout
	}
	c.MTUPlateaus = normalizeMTUPlateaus(c.MTUPlateaus)
}

// ConfigStore is the atomic.Pointer-backed holder every stage reads its
// live Config snapshot from.
type ConfigStore struct {
	ptr atomic.Pointer[Config]
}

// NewConfigStore seeds a store with cfg (DefaultConfig if nil).
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.clampTimeouts()
	s := &ConfigStore{}
	s.ptr.Store(cfg)
	return s
}

// Load returns the current Config snapshot.
func (s *ConfigStore) Load() *Config {
	return s.ptr.Load()
}

// Swap installs a new Config snapshot wholesale, after clamping its
// timeouts to the RFC 6146 floors.
func (s *ConfigStore) Swap(cfg *Config) {
	clamped := *cfg
	clamped.clampTimeouts()
	s.ptr.Store(&clamped)
}

// Pointer exposes the underlying atomic.Pointer, for components (like
// Filtering) whose constructor takes *atomic.Pointer[Config] directly.
func (s *ConfigStore) Pointer() *atomic.Pointer[Config] {
	return &s.ptr
}
