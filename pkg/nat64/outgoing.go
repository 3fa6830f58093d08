package nat64

// OutgoingPair is the (source, destination) transport addresses to place
// in a translated packet's header (spec.md §4 stage 3 "compute outgoing
// tuple"), grounded on
// original_source/include/nat64/mod/compute_outgoing_tuple.h. By the time
// stage 2 has resolved a Session, this is a pure field projection — all
// the actual address arithmetic (RFC 6052 embedding) already happened
// when the Session was created.
type OutgoingPair struct {
	Src TupleAddr
	Dst TupleAddr
}

// OutgoingV4 returns the IPv4-side pair for a packet being translated
// from IPv6 to IPv4.
func OutgoingV4(s *Session) OutgoingPair {
	return OutgoingPair{Src: s.Pair4.Local, Dst: s.Pair4.Remote}
}

// OutgoingV6 returns the IPv6-side pair for a packet being translated
// from IPv4 to IPv6.
func OutgoingV6(s *Session) OutgoingPair {
	return OutgoingPair{Src: s.Pair6.Remote, Dst: s.Pair6.Local}
}
