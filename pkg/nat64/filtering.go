package nat64

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Verdict is the outcome of stage 2 (spec.md §4.4), named after Jool's
// VER_CONTINUE/VER_DROP/VER_STOLEN (original_source/include/nat64/mod/types.h).
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictContinue
	VerdictStolen // packet was queued (pending SYN) rather than forwarded or dropped
)

// TCPFlags is the handful of TCP control bits the state machine cares
// about (spec.md §4.5).
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// Filtering is stage 2: filtering and updating (spec.md §4.4/§4.5),
// grounded on the transition table in spec.md §4.5 and on
// KarpelesLab-swnat/table.go's lookup-or-create shape.
type Filtering struct {
	bib      *BIBSet
	sessions *SessionDB
	pool4    *Pool4
	pool6    *Pool6
	pending  *PendingSYNQueue
	cfg      *atomic.Pointer[Config]
	logger   *zap.Logger
}

// NewFiltering wires stage 2 to the shared BIB/session/pool state.
func NewFiltering(bib *BIBSet, sessions *SessionDB, pool4 *Pool4, pool6 *Pool6, pending *PendingSYNQueue, cfg *atomic.Pointer[Config], logger *zap.Logger) *Filtering {
	return &Filtering{
		bib:      bib,
		sessions: sessions,
		pool4:    pool4,
		pool6:    pool6,
		pending:  pending,
		cfg:      cfg,
		logger:   logger,
	}
}

// getOrCreateBIB6 looks up (or creates, allocating a port that preserves
// srcPort6 where possible) the BIB entry for an IPv6-initiated flow.
// BIB-then-Session is the mandated lock order (spec.md §5): this always
// runs before any SessionDB call in the same request.
func (f *Filtering) getOrCreateBIB6(l4 L4Proto, addr6 TupleAddr, srcPort6 uint16) (*BIBEntry, bool, error) {
	table := f.bib.Table(l4)
	if entry, ok := table.GetBy6(addr6); ok {
		return entry, false, nil
	}

	a4, port, err := f.pool4.GetAnyPort(l4, srcPort6)
	if err != nil {
		return nil, false, err
	}

	entry := &BIBEntry{Addr6: addr6, Addr4: TupleAddr{Addr: a4, Id: port}}
	if err := table.Add(entry); err != nil {
		f.pool4.Release(a4, port, l4)
		if existing, ok := table.GetBy6(addr6); ok {
			return existing, false, nil
		}
		return nil, false, err
	}
	return entry, true, nil
}

// FilterUDP6 handles a UDP datagram arriving on the IPv6 side.
func (f *Filtering) FilterUDP6(tuple6 Tuple) (*Session, Verdict, error) {
	bib, _, err := f.getOrCreateBIB6(L4UDP, tuple6.Src, tuple6.Src.Id)
	if err != nil {
		return nil, VerdictDrop, err
	}
	sess, _, err := f.sessions.GetOrCreate6(tuple6, bib)
	if err != nil {
		return nil, VerdictDrop, err
	}
	f.sessions.SetUDPTimer(sess)
	return sess, VerdictContinue, nil
}

// FilterUDP4 handles a UDP datagram arriving on the IPv4 side. UDP BIB
// entries are never created from the IPv4 side (spec.md §4.3): a v4-only
// datagram with no existing entry is simply dropped.
func (f *Filtering) FilterUDP4(tuple4 Tuple) (*Session, Verdict, error) {
	bib, ok := f.bib.Table(L4UDP).GetBy4(tuple4.Dst)
	if !ok {
		return nil, VerdictDrop, ErrNoSession
	}
	if f.cfg.Load().AddressDependentFiltering && !f.sessions.Allow(tuple4) {
		return nil, VerdictDrop, nil
	}
	sess, _, err := f.sessions.GetOrCreate4(tuple4, bib)
	if err != nil {
		return nil, VerdictDrop, err
	}
	f.sessions.SetUDPTimer(sess)
	return sess, VerdictContinue, nil
}

// FilterICMPQuery6 handles an ICMPv6 echo request/reply on the IPv6 side.
// ICMP queries are filtered like UDP (RFC6146 §3.5.3), except that
// DropICMPv6Info (spec.md §6) lets an operator disable ICMPv6 informational
// message translation outright.
func (f *Filtering) FilterICMPQuery6(tuple6 Tuple) (*Session, Verdict, error) {
	if f.cfg.Load().DropICMPv6Info {
		return nil, VerdictDrop, nil
	}

	bib, _, err := f.getOrCreateBIB6(L4ICMP, tuple6.Src, tuple6.Src.Id)
	if err != nil {
		return nil, VerdictDrop, err
	}
	sess, _, err := f.sessions.GetOrCreate6(tuple6, bib)
	if err != nil {
		return nil, VerdictDrop, err
	}
	f.sessions.SetICMPTimer(sess)
	return sess, VerdictContinue, nil
}

// FilterICMPQuery4 is FilterICMPQuery6's IPv4-side counterpart.
func (f *Filtering) FilterICMPQuery4(tuple4 Tuple) (*Session, Verdict, error) {
	bib, ok := f.bib.Table(L4ICMP).GetBy4(tuple4.Dst)
	if !ok {
		return nil, VerdictDrop, ErrNoSession
	}
	if f.cfg.Load().AddressDependentFiltering && !f.sessions.Allow(tuple4) {
		return nil, VerdictDrop, nil
	}
	sess, _, err := f.sessions.GetOrCreate4(tuple4, bib)
	if err != nil {
		return nil, VerdictDrop, err
	}
	f.sessions.SetICMPTimer(sess)
	return sess, VerdictContinue, nil
}

// FilterICMPError looks up (never creates) the session an ICMP error
// applies to, from either direction — tuple.L3 selects the table.
func (f *Filtering) FilterICMPError(tuple Tuple) (*Session, Verdict, error) {
	sess, ok := f.sessions.Get(tuple)
	if !ok {
		return nil, VerdictDrop, ErrNoSession
	}
	return sess, VerdictContinue, nil
}

// FilterTCP6 handles a TCP segment arriving on the IPv6 side. When a
// static BIB entry already ties this v6 host to a specific v4 peer, a
// genuine simultaneous open (spec.md §4.5/§4.7) surfaces here as an
// ordinary Get(tuple6) hit against the V4_INIT session that FilterTCP4
// already created for it — see advanceTCP's V4_INIT case. A dynamic,
// externally-initiated BIB entry has no known IPv6 side to match against
// and can never merge this way; it only ever resolves by timing out.
func (f *Filtering) FilterTCP6(tuple6 Tuple, flags TCPFlags) (*Session, Verdict, error) {
	if sess, ok := f.sessions.Get(tuple6); ok {
		f.advanceTCP(sess, L3IPv6, flags)
		return sess, VerdictContinue, nil
	}

	if !flags.SYN || flags.RST {
		return nil, VerdictDrop, ErrNoSession
	}

	bib, _, err := f.getOrCreateBIB6(L4TCP, tuple6.Src, tuple6.Src.Id)
	if err != nil {
		return nil, VerdictDrop, err
	}

	sess, created, err := f.sessions.GetOrCreate6(tuple6, bib)
	if err != nil {
		return nil, VerdictDrop, err
	}
	if created {
		sess.State = StateV6Init
		f.sessions.SetTCPTransTimer(sess)
	}
	return sess, VerdictContinue, nil
}

// FilterTCP4 handles a TCP segment arriving on the IPv4 side, including
// creating a V4_INIT session and queueing it in the pending-SYN queue for
// an unsolicited, externally-initiated connection attempt.
func (f *Filtering) FilterTCP4(tuple4 Tuple, flags TCPFlags, raw []byte) (*Session, Verdict, error) {
	if sess, ok := f.sessions.Get(tuple4); ok {
		if sess.State == StateV4Init {
			if flags.SYN && !flags.ACK {
				f.sessions.SetSynTimer(sess)
			}
			return sess, VerdictStolen, nil
		}
		f.advanceTCP(sess, L3IPv4, flags)
		return sess, VerdictContinue, nil
	}

	cfg := f.cfg.Load()
	table := f.bib.Table(L4TCP)

	bib, bibExists := table.GetBy4(tuple4.Dst)
	if bibExists && cfg.AddressDependentFiltering && !f.sessions.Allow(tuple4) {
		return nil, VerdictDrop, nil
	}

	if !flags.SYN || flags.RST {
		return nil, VerdictDrop, ErrNoSession
	}

	if !bibExists {
		if cfg.DropExternallyInitiatedTCP {
			return nil, VerdictDrop, nil
		}
		a4, port, err := f.pool4.GetAnyPort(L4TCP, tuple4.Src.Id)
		if err != nil {
			return nil, VerdictDrop, err
		}
		bib = &BIBEntry{Addr4: TupleAddr{Addr: a4, Id: port}}
		if err := table.AddPending4(bib); err != nil {
			f.pool4.Release(a4, port, L4TCP)
			return nil, VerdictDrop, err
		}
	}

	sess, _, err := f.sessions.GetOrCreate4(tuple4, bib)
	if err != nil {
		return nil, VerdictDrop, err
	}
	sess.State = StateV4Init
	f.sessions.SetSynTimer(sess)

	if f.pending != nil {
		f.pending.Add(sess, raw)
	}
	return sess, VerdictStolen, nil
}

// advanceTCP applies one segment's flags to an existing session's state
// machine (spec.md §4.5). Note that only the ESTABLISHED state refreshes
// the tcp_est timer on every packet — FIN_RCV states ride out the timer
// they inherited on entering ESTABLISHED (onExpireTCPEst then deletes
// them).
func (f *Filtering) advanceTCP(s *Session, dir L3Proto, flags TCPFlags) {
	switch s.State {
	case StateV6Init:
		if dir == L3IPv4 {
			s.State = StateEstablished
			f.sessions.SetTCPEstTimer(s)
			return
		}
		if flags.RST {
			s.State = StateTrans
		}
		f.sessions.SetTCPTransTimer(s)

	case StateV4Init:
		if dir == L3IPv6 && flags.SYN {
			// The genuine v6 peer's SYN matches this half-open,
			// externally-initiated attempt exactly: simultaneous open
			// completes (spec.md §4.5/§4.7).
			if f.pending != nil {
				f.pending.Remove(s)
			}
			s.State = StateEstablished
			f.sessions.SetTCPEstTimer(s)
			return
		}
		if flags.RST {
			s.State = StateTrans
			f.sessions.SetTCPTransTimer(s)
			return
		}
		f.sessions.SetSynTimer(s)

	case StateEstablished:
		if flags.RST {
			s.State = StateTrans
			f.sessions.SetTCPTransTimer(s)
			return
		}
		if dir == L3IPv4 && flags.FIN {
			s.State = StateV4FinRcv
		} else if dir == L3IPv6 && flags.FIN {
			s.State = StateV6FinRcv
		}
		f.sessions.SetTCPEstTimer(s)

	case StateV4FinRcv:
		if dir == L3IPv6 && flags.FIN {
			s.State = StateV4FinV6FinRcv
			f.sessions.SetTCPTransTimer(s)
		}

	case StateV6FinRcv:
		if dir == L3IPv4 && flags.FIN {
			s.State = StateV4FinV6FinRcv
			f.sessions.SetTCPTransTimer(s)
		}

	case StateV4FinV6FinRcv:
		// terminal: no further transitions, let tcp_trans expire it.

	case StateTrans:
		if flags.SYN && !flags.RST {
			s.State = StateEstablished
			f.sessions.SetTCPEstTimer(s)
			return
		}
		f.sessions.SetTCPTransTimer(s)
	}
}
