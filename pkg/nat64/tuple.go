package nat64

import (
	"fmt"
	"net"
)

// L3Proto is the network-layer family a Tuple or packet belongs to.
type L3Proto uint8

const (
	L3IPv4 L3Proto = 4
	L3IPv6 L3Proto = 6
)

func (p L3Proto) String() string {
	switch p {
	case L3IPv4:
		return "IPv4"
	case L3IPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}

// L4Proto is the transport protocol a Tuple or Session/BIB table is about.
// L4None marks a non-initial fragment, which carries no transport header.
type L4Proto uint8

const (
	L4UDP  L4Proto = 0
	L4TCP  L4Proto = 1
	L4ICMP L4Proto = 2
	L4None L4Proto = 3
)

func (p L4Proto) String() string {
	switch p {
	case L4UDP:
		return "UDP"
	case L4TCP:
		return "TCP"
	case L4ICMP:
		return "ICMP"
	case L4None:
		return "NONE"
	default:
		return "unknown"
	}
}

// TupleAddr is one side of a Tuple: an address plus a layer-4 identifier
// (a port for UDP/TCP, the ICMP identifier for ICMP query messages).
type TupleAddr struct {
	Addr net.IP
	Id   uint16
}

func (a TupleAddr) String() string {
	return fmt.Sprintf("%s#%d", a.Addr, a.Id)
}

// Tuple is the canonical 5-tuple (3-tuple for ICMP) summary of a packet,
// per spec.md §3. For ICMP errors the tuple reflects the inner packet with
// source and destination swapped, so a reply to the offender looks like an
// inbound flow to the rest of the pipeline.
type Tuple struct {
	Src TupleAddr
	Dst TupleAddr
	L3  L3Proto
	L4  L4Proto
}

// Is3Tuple reports whether t is the address-address-ICMP-id form the RFC
// calls a 3-tuple. Mirrors original_source's is_3_tuple/is_5_tuple: an
// ICMP tuple always has Src.Id == Dst.Id, the shared ICMP identifier.
func (t Tuple) Is3Tuple() bool {
	return t.L4 == L4ICMP
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s/%s %s -> %s", t.L3, t.L4, t.Src, t.Dst)
}

// Swapped returns a copy of t with its Src and Dst exchanged, which is how
// the inner packet of an ICMP error is represented as a tuple (spec.md
// §4.6.3).
func (t Tuple) Swapped() Tuple {
	t.Src, t.Dst = t.Dst, t.Src
	return t
}
