package nat64

import "errors"

// Error kinds from spec.md §7. Each carries a fixed policy the caller
// (filtering/translate) applies: which ICMP, if any, to emit. No drop
// counters are kept.
var (
	// ErrInvalidAddress is returned by AddrToV4 when the "u" octet of an
	// embedded address is non-zero (spec.md §4.1).
	ErrInvalidAddress = errors.New("nat64: invalid embedded address")

	// ErrMalformedPacket covers truncated headers, impossible options, or
	// disallowed ICMP-in-ICMP nesting. Drop, no ICMP; no counter is
	// incremented.
	ErrMalformedPacket = errors.New("nat64: malformed packet")

	// ErrUnknownProtocol covers any L4 protocol the translator does not
	// implement. Drop, no ICMP; no counter is incremented.
	ErrUnknownProtocol = errors.New("nat64: unknown transport protocol")

	// ErrNoSession means no matching Session exists and none could be
	// created (e.g. IPv4->IPv6 UDP/ICMP with no BIB entry). Drop, emit
	// ICMPv4 Destination Unreachable / Communication Administratively
	// Prohibited.
	ErrNoSession = errors.New("nat64: no matching session")

	// ErrPoolExhausted means Pool4.GetAnyPort found no free transport
	// address. Drop, emit ICMP Destination Unreachable / Host Unreachable.
	ErrPoolExhausted = errors.New("nat64: pool4 exhausted")

	// ErrPacketTooBig means the translated packet would exceed the path
	// MTU and DF is set. Drop, emit ICMP Fragmentation Needed.
	ErrPacketTooBig = errors.New("nat64: translated packet too big")

	// ErrHopLimitExceeded means the Hop Limit/TTL reached zero after
	// decrement. Drop, emit ICMP Time Exceeded.
	ErrHopLimitExceeded = errors.New("nat64: hop limit exceeded")

	// ErrBIBEntryExists is returned by BIB.Add when an entry with the same
	// addr4 or addr6 (for that L4 protocol) is already indexed.
	ErrBIBEntryExists = errors.New("nat64: bib entry already exists")

	// ErrConfigRejected is returned by Config validation (invalid TTL,
	// empty plateau list, etc). The live configuration is not mutated.
	ErrConfigRejected = errors.New("nat64: configuration rejected")
)
