package nat64

import (
	"fmt"
	"net"
	"sync"
)

// Prefix6 is one (prefix, length) entry of a Pool6 (spec.md §3 "IPv6
// Pool"). Length is restricted to ValidPrefixLengths.
type Prefix6 struct {
	Addr net.IP
	Len  int
}

func (p Prefix6) String() string {
	return fmt.Sprintf("%s/%d", p.Addr, p.Len)
}

// contains reports whether a6 falls inside p.
func (p Prefix6) contains(a6 net.IP) bool {
	_, net6, err := net.ParseCIDR(p.String())
	if err != nil {
		return false
	}
	return net6.Contains(a6)
}

// Pool6 is the ordered set of translation prefixes used to (a) classify an
// incoming IPv6 destination as translatable and (b) extract the embedded
// IPv4 address per RFC 6052 (spec.md §3/§4.1). Grounded on
// original_source/include/nat64/mod/pool6.h.
type Pool6 struct {
	mu      sync.RWMutex
	entries []Prefix6
}

// NewPool6 builds a Pool6 from the given prefixes, rejecting any prefix
// length outside ValidPrefixLengths (spec.md §4.1: "Prefix lengths outside
// the permitted set are rejected at pool-load time").
func NewPool6(prefixes ...Prefix6) (*Pool6, error) {
	p := &Pool6{}
	for _, pfx := range prefixes {
		if err := p.Add(pfx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add inserts a prefix into the pool.
func (p *Pool6) Add(pfx Prefix6) error {
	if !isValidPrefixLen(pfx.Len) {
		return fmt.Errorf("%w: prefix length /%d is not one of %v", ErrConfigRejected, pfx.Len, ValidPrefixLengths)
	}
	a := pfx.Addr.To16()
	if a == nil {
		return fmt.Errorf("%w: invalid pool6 prefix address", ErrConfigRejected)
	}
	pfx.Addr = a

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.Addr.Equal(pfx.Addr) && e.Len == pfx.Len {
			return nil // already present
		}
	}
	p.entries = append(p.entries, pfx)
	return nil
}

// Remove deletes a prefix from the pool, if present.
func (p *Pool6) Remove(pfx Prefix6) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.Addr.Equal(pfx.Addr) && e.Len == pfx.Len {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// Matching returns the first prefix in the pool that contains a6, and
// whether one was found. This classifies an incoming IPv6 destination as
// translatable (spec.md §3).
func (p *Pool6) Matching(a6 net.IP) (Prefix6, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.contains(a6) {
			return e, true
		}
	}
	return Prefix6{}, false
}

// Any returns an arbitrary prefix from the pool (used by addr_4to6 when no
// particular prefix is dictated by the packet, per spec.md §4.4
// get_or_create_4: "remote6 = addr_4to6(tuple4.src, any prefix)").
func (p *Pool6) Any() (Prefix6, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.entries) == 0 {
		return Prefix6{}, false
	}
	return p.entries[0], true
}

// List returns a snapshot of all prefixes, for the control channel's
// POOL6/DISPLAY operation.
func (p *Pool6) List() []Prefix6 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Prefix6, len(p.entries))
	copy(out, p.entries)
	return out
}

// Count returns the number of prefixes in the pool.
func (p *Pool6) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Flush empties the pool.
func (p *Pool6) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
}
