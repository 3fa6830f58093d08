package nat64

import (
	"container/list"
	"net"
	"sync"
	"time"

	"github.com/google/btree"
)

// SessionState is one of the values in spec.md §3 "TCP state set". CLOSED
// is a transient value only — it is never persisted in a table.
type SessionState uint8

const (
	StateClosed SessionState = iota
	StateV4Init
	StateV6Init
	StateEstablished
	StateV4FinRcv
	StateV6FinRcv
	StateV4FinV6FinRcv
	StateTrans
)

func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateV4Init:
		return "V4_INIT"
	case StateV6Init:
		return "V6_INIT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateV4FinRcv:
		return "V4_FIN_RCV"
	case StateV6FinRcv:
		return "V6_FIN_RCV"
	case StateV4FinV6FinRcv:
		return "V4_FIN_V6_FIN_RCV"
	case StateTrans:
		return "TRANS"
	default:
		return "UNKNOWN"
	}
}

// SessionPair6 is a Session's IPv6-side address pair. Local is the
// genuine IPv6 host (== BIB.Addr6); Remote is the synthesized IPv6
// representation of the real IPv4 peer (addr_4to6 of Pair4.Remote).
type SessionPair6 struct {
	Local  TupleAddr
	Remote TupleAddr
}

// SessionPair4 is a Session's IPv4-side address pair. Local is the
// translator's own pool4-allocated endpoint (== BIB.Addr4); Remote is the
// genuine external IPv4 peer.
type SessionPair4 struct {
	Local  TupleAddr
	Remote TupleAddr
}

// Session is a per-flow connection record (spec.md §3 "Session Entry").
type Session struct {
	Pair6 SessionPair6
	Pair4 SessionPair4
	L4    L4Proto

	State      SessionState
	UpdateTime time.Time

	BIB *BIBEntry

	// list/elem track which expirerList currently holds this session, so
	// touch()/remove() can unlink in O(1) (spec.md §9 "timer cascading").
	list *expirerList
	elem *list.Element
}

func cmpTupleAddrPair(aLocal, aRemote, bLocal, bRemote TupleAddr) bool {
	if c := cmpTupleAddr(aLocal, bLocal); c != 0 {
		return c < 0
	}
	return cmpTupleAddr(aRemote, bRemote) < 0
}

func less6(a, b *Session) bool {
	return cmpTupleAddrPair(a.Pair6.Local, a.Pair6.Remote, b.Pair6.Local, b.Pair6.Remote)
}

func less4(a, b *Session) bool {
	return cmpTupleAddrPair(a.Pair4.Local, a.Pair4.Remote, b.Pair4.Local, b.Pair4.Remote)
}

// sessionTable is the two-ordered-tree index for one L4 protocol's
// sessions (spec.md §3 "Session tables").
type sessionTable struct {
	mu    sync.Mutex
	l4    L4Proto
	tree6 *btree.BTreeG[*Session]
	tree4 *btree.BTreeG[*Session]
}

func newSessionTable(l4 L4Proto) *sessionTable {
	return &sessionTable{
		l4:    l4,
		tree6: btree.NewG(32, less6),
		tree4: btree.NewG(32, less4),
	}
}

func (t *sessionTable) add(s *Session) {
	t.mu.Lock()
	t.tree6.ReplaceOrInsert(s)
	t.tree4.ReplaceOrInsert(s)
	t.mu.Unlock()
}

// SessionTTLs are the five expirer lists' TTLs, per spec.md §6 GENERAL
// config / §3 "Expirer".
type SessionTTLs struct {
	UDP      time.Duration
	ICMP     time.Duration
	TCPEst   time.Duration
	TCPTrans time.Duration
	SYN      time.Duration
}

// SessionDB holds the three session tables plus their five expirer lists
// (spec.md §4.4). BIB-then-Session is the mandated lock acquisition order
// for operations touching both (spec.md §5); GetOrCreate6/GetOrCreate4
// take an already-resolved *BIBEntry for exactly this reason — the caller
// (filtering.go) is responsible for acquiring the BIB lock first.
type SessionDB struct {
	UDP  *sessionTable
	TCP  *sessionTable
	ICMP *sessionTable

	pool6 *Pool6
	bib   *BIBSet

	pendingSYN *PendingSYNQueue
	sendProbe  func(*Session)

	udpExp      *expirerList
	icmpExp     *expirerList
	tcpEstExp   *expirerList
	tcpTransExp *expirerList
	synExp      *expirerList
}

// NewSessionDB wires up the three session tables and their expirers.
// sendProbe implements the TCP probe of spec.md §4.5 (send an empty ACK
// through the host stack); it may be nil in tests that don't exercise
// ESTABLISHED expiry.
func NewSessionDB(pool6 *Pool6, bibs *BIBSet, ttls SessionTTLs, pendingSYN *PendingSYNQueue, sendProbe func(*Session)) *SessionDB {
	db := &SessionDB{
		UDP:        newSessionTable(L4UDP),
		TCP:        newSessionTable(L4TCP),
		ICMP:       newSessionTable(L4ICMP),
		pool6:      pool6,
		bib:        bibs,
		pendingSYN: pendingSYN,
		sendProbe:  sendProbe,
	}

	db.udpExp = newExpirerList("udp", ttls.UDP, db.onExpireDelete)
	db.icmpExp = newExpirerList("icmp", ttls.ICMP, db.onExpireDelete)
	db.tcpTransExp = newExpirerList("tcp_trans", ttls.TCPTrans, db.onExpireDelete)
	db.tcpEstExp = newExpirerList("tcp_est", ttls.TCPEst, db.onExpireTCPEst)
	db.synExp = newExpirerList("syn", ttls.SYN, db.onExpireSyn)
	return db
}

func (db *SessionDB) allTables() []*sessionTable {
	return []*sessionTable{db.UDP, db.TCP, db.ICMP}
}

func (db *SessionDB) table(l4 L4Proto) *sessionTable {
	switch l4 {
	case L4UDP:
		return db.UDP
	case L4TCP:
		return db.TCP
	case L4ICMP:
		return db.ICMP
	default:
		return nil
	}
}

// --- expirer callbacks (spec.md §4.4 "Expirer algorithm") ---

func (db *SessionDB) onExpireDelete(s *Session) {
	db.delete(s)
}

// onExpireTCPEst is the tcp_est list's callback. It covers three states
// that all share this list: ESTABLISHED (probe + move to tcp_trans,
// transition to TRANS, not deleted) and V4_FIN_RCV/V6_FIN_RCV (deleted
// outright, per spec.md §4.4's bullet list), which keep the timer they
// inherited on entering ESTABLISHED rather than getting their own.
func (db *SessionDB) onExpireTCPEst(s *Session) {
	if s.State == StateEstablished {
		if db.sendProbe != nil {
			db.sendProbe(s)
		}
		s.State = StateTrans
		db.tcpTransExp.touch(s)
		return
	}
	db.delete(s)
}

// onExpireSyn is the syn (TCP V4_INIT backoff) list's callback.
func (db *SessionDB) onExpireSyn(s *Session) {
	s.State = StateClosed
	db.delete(s)
	if db.pendingSYN != nil {
		db.pendingSYN.ExpireSYN(s)
	}
}

// delete removes s from its table and, if dynamic and unreferenced,
// releases its BIB entry. Session-then-BIB order is safe here because
// neither lock is held while acquiring the other.
func (db *SessionDB) delete(s *Session) {
	t := db.table(s.L4)
	if t != nil {
		t.mu.Lock()
		t.tree6.Delete(s)
		t.tree4.Delete(s)
		t.mu.Unlock()
	}

	if s.list != nil {
		s.list.remove(s)
	}

	if s.BIB != nil {
		if bt := db.bib.Table(s.L4); bt != nil {
			bt.ReleaseIfUnused(s.BIB)
		}
	}
}

// Get is the canonical datapath lookup (spec.md §4.4).
func (db *SessionDB) Get(tuple Tuple) (*Session, bool) {
	t := db.table(tuple.L4)
	if t == nil {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tuple.L3 == L3IPv6 {
		key := &Session{Pair6: SessionPair6{Local: tuple.Src, Remote: tuple.Dst}}
		return t.tree6.Get(key)
	}
	key := &Session{Pair4: SessionPair4{Local: tuple.Dst, Remote: tuple.Src}}
	return t.tree4.Get(key)
}

// Allow implements address-dependent filtering (spec.md §4.4): true iff
// some Session exists with the (local4, remote4) pair from tuple4,
// ignoring the remote L4 id.
func (db *SessionDB) Allow(tuple4 Tuple) bool {
	t := db.table(tuple4.L4)
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	lo := &Session{Pair4: SessionPair4{
		Local:  tuple4.Dst,
		Remote: TupleAddr{Addr: tuple4.Src.Addr, Id: 0},
	}}
	t.tree4.AscendGreaterOrEqual(lo, func(s *Session) bool {
		if !s.Pair4.Local.Addr.Equal(tuple4.Dst.Addr) || s.Pair4.Local.Id != tuple4.Dst.Id {
			return false
		}
		if s.Pair4.Remote.Addr.Equal(tuple4.Src.Addr) {
			found = true
		}
		return false
	})
	return found
}

// GetOrCreate6 implements spec.md §4.4's get_or_create_6: on a miss,
// remote4 is computed via addr_6to4 against the pool6 prefix matching
// tuple6.Dst, and a new Session is created referencing bib (which the
// caller has already resolved/created under the BIB lock).
func (db *SessionDB) GetOrCreate6(tuple6 Tuple, bib *BIBEntry) (*Session, bool, error) {
	t := db.table(tuple6.L4)
	if t == nil {
		return nil, false, ErrUnknownProtocol
	}

	t.mu.Lock()
	key := &Session{Pair6: SessionPair6{Local: tuple6.Src, Remote: tuple6.Dst}}
	if s, ok := t.tree6.Get(key); ok {
		t.mu.Unlock()
		return s, false, nil
	}
	t.mu.Unlock()

	prefix, ok := db.pool6.Matching(tuple6.Dst.Addr)
	if !ok {
		return nil, false, ErrNoSession
	}
	remote4Addr, err := AddrToV4(tuple6.Dst.Addr, prefix.Len)
	if err != nil {
		return nil, false, err
	}

	s := &Session{
		Pair6: SessionPair6{
			Local:  tuple6.Src,
			Remote: tuple6.Dst,
		},
		Pair4: SessionPair4{
			Local:  bib.Addr4,
			Remote: TupleAddr{Addr: remote4Addr, Id: tuple6.Dst.Id},
		},
		L4:  tuple6.L4,
		BIB: bib,
	}
	bib.IncRef()
	t.add(s)
	return s, true, nil
}

// GetOrCreate4 implements spec.md §4.4's get_or_create_4: on a miss,
// remote6 is computed via addr_4to6 against any pool6 prefix.
func (db *SessionDB) GetOrCreate4(tuple4 Tuple, bib *BIBEntry) (*Session, bool, error) {
	t := db.table(tuple4.L4)
	if t == nil {
		return nil, false, ErrUnknownProtocol
	}

	t.mu.Lock()
	key := &Session{Pair4: SessionPair4{Local: tuple4.Dst, Remote: tuple4.Src}}
	if s, ok := t.tree4.Get(key); ok {
		t.mu.Unlock()
		return s, false, nil
	}
	t.mu.Unlock()

	prefix, ok := db.pool6.Any()
	if !ok {
		return nil, false, ErrNoSession
	}
	remote6Addr := AddrToV6(tuple4.Src.Addr, prefix.Addr, prefix.Len)

	s := &Session{
		Pair6: SessionPair6{
			// bib.Addr6 is the zero value for a session created against a
			// dynamically allocated, externally-initiated TCP BIB entry
			// (spec.md §4.7): that entry has no known IPv6 side, so this
			// session can only ever resolve by timing out. A static BIB
			// entry always has Addr6 populated up front, so the matching
			// v6 SYN's tuple compares equal to Pair6 here and the ordinary
			// SessionDB.Get(tuple6) lookup in FilterTCP6 merges the two
			// sides without any special-casing.
			Local:  bib.Addr6,
			Remote: TupleAddr{Addr: remote6Addr, Id: tuple4.Src.Id},
		},
		Pair4: SessionPair4{
			Local:  bib.Addr4,
			Remote: tuple4.Src,
		},
		L4:  tuple4.L4,
		BIB: bib,
	}
	bib.IncRef()
	t.add(s)
	return s, true, nil
}

// ForEach calls f for every Session of protocol l4, stopping early if f
// returns false.
func (db *SessionDB) ForEach(l4 L4Proto, f func(*Session) bool) {
	t := db.table(l4)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree4.Ascend(func(s *Session) bool { return f(s) })
}

// ForEachFrom is ForEach's cursor-paginated form, for the control
// channel's SESSION/DISPLAY operation (spec.md §6). Sessions are
// resumed by their translator-side local endpoint (Pair4.Local), the
// same key BIB.ForEachFrom cursors on, since Pair4.Local == BIB.Addr4.
func (db *SessionDB) ForEachFrom(l4 L4Proto, after TupleAddr, iterate bool, f func(*Session) bool) {
	t := db.table(l4)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !iterate {
		t.tree4.Ascend(func(s *Session) bool { return f(s) })
		return
	}
	skip := true
	pivot := &Session{Pair4: SessionPair4{Local: after}}
	t.tree4.AscendGreaterOrEqual(pivot, func(s *Session) bool {
		if skip {
			skip = false
			if cmpTupleAddr(s.Pair4.Local, after) == 0 {
				return true
			}
		}
		return f(s)
	})
}

// Count returns the number of Sessions of protocol l4.
func (db *SessionDB) Count(l4 L4Proto) int {
	t := db.table(l4)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree4.Len()
}

// DeleteByBIB deletes every Session referencing bib (used when a BIB entry
// is removed by the control channel).
func (db *SessionDB) DeleteByBIB(bib *BIBEntry) {
	t := db.table(bib.L4)
	if t == nil {
		return
	}
	victims := db.collect(t, func(s *Session) bool { return s.BIB == bib })
	for _, s := range victims {
		db.delete(s)
	}
}

// DeleteByV4 deletes every Session whose translator-owned IPv4 endpoint is
// a4 (used when a4 is removed from pool4).
func (db *SessionDB) DeleteByV4(a4 net.IP) {
	for _, t := range db.allTables() {
		victims := db.collect(t, func(s *Session) bool { return s.Pair4.Local.Addr.Equal(a4) })
		for _, s := range victims {
			db.delete(s)
		}
	}
}

// DeleteByV6Prefix deletes every Session whose IPv6-side addresses fall
// inside prefix (used when prefix is removed from pool6).
func (db *SessionDB) DeleteByV6Prefix(prefix Prefix6) {
	for _, t := range db.allTables() {
		victims := db.collect(t, func(s *Session) bool {
			return prefix.contains(s.Pair6.Remote.Addr) || prefix.contains(s.Pair6.Local.Addr)
		})
		for _, s := range victims {
			db.delete(s)
		}
	}
}

// Flush deletes every Session in every table.
func (db *SessionDB) Flush() {
	for _, t := range db.allTables() {
		victims := db.collect(t, func(*Session) bool { return true })
		for _, s := range victims {
			db.delete(s)
		}
	}
}

func (db *SessionDB) collect(t *sessionTable, match func(*Session) bool) []*Session {
	var out []*Session
	t.mu.Lock()
	t.tree4.Ascend(func(s *Session) bool {
		if match(s) {
			out = append(out, s)
		}
		return true
	})
	t.mu.Unlock()
	return out
}

// --- timer setters (spec.md §4.4) ---

func (db *SessionDB) SetUDPTimer(s *Session)      { db.udpExp.touch(s) }
func (db *SessionDB) SetICMPTimer(s *Session)     { db.icmpExp.touch(s) }
func (db *SessionDB) SetTCPEstTimer(s *Session)   { db.tcpEstExp.touch(s) }
func (db *SessionDB) SetTCPTransTimer(s *Session) { db.tcpTransExp.touch(s) }
func (db *SessionDB) SetSynTimer(s *Session)      { db.synExp.touch(s) }

// Close cancels every expirer's timer, for deterministic teardown
// (spec.md §5 "Cancellation").
func (db *SessionDB) Close() {
	db.udpExp.stop()
	db.icmpExp.stop()
	db.tcpEstExp.stop()
	db.tcpTransExp.stop()
	db.synExp.stop()
}
