package nat64

// MaxHairpinDepth caps loopback re-entry into stage 1 at one hop, per
// spec.md §4.8 ("depth limited to one hairpin to avoid loops").
const MaxHairpinDepth = 1

// IsHairpin reports whether a just-translated IPv4 packet, addressed to
// dst on l4, is actually bound for one of this translator's own
// pool4-mapped endpoints rather than a genuine external IPv4 host (spec.md
// §4.8): dst matches the Addr4 side of a live BIB entry, meaning the real
// recipient is another IPv6 client sitting behind this same translator. A
// packet flagged this way must be looped back into stage 1 as an inbound
// IPv4 packet instead of being routed out toward the WAN.
func IsHairpin(bib *BIBSet, l4 L4Proto, dst TupleAddr) bool {
	table := bib.Table(l4)
	if table == nil {
		return false
	}
	_, ok := table.GetBy4(dst)
	return ok
}
