package nat64

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// Control channel modes and operations (spec.md §6), grounded on
// original_source/include/nat64/comm/config_proto.h's config_mode/
// config_operation enums and their *_MODES/*_OPS bitmask tables. The
// values themselves don't need to match the kernel module's bit
// positions - nothing outside this translator decodes them - but the
// mode/operation vocabulary and which pairs are legal are carried
// over exactly.
type controlMode uint8

const (
	modeGeneral controlMode = iota
	modePool6
	modePool4
	modeBIB
	modeSession
)

type controlOp uint8

const (
	opDisplay controlOp = iota
	opCount
	opAdd
	opUpdate
	opRemove
	opFlush
)

// requestHeaderLen is sizeof(request_hdr): u32 length + u8 mode + u8 op.
const requestHeaderLen = 6

// bibPageSize and sessionPageSize bound one DISPLAY chunk, so a table
// with millions of entries doesn't have to be serialized in one shot.
const (
	bibPageSize     = 512
	sessionPageSize = 512
)

var controlOpsByMode = map[controlMode]map[controlOp]bool{
	modeGeneral: {opDisplay: true, opUpdate: true},
	modePool6:   {opDisplay: true, opCount: true, opAdd: true, opRemove: true, opFlush: true},
	modePool4:   {opDisplay: true, opCount: true, opAdd: true, opRemove: true, opFlush: true},
	modeBIB:     {opDisplay: true, opCount: true, opAdd: true, opRemove: true},
	modeSession: {opDisplay: true, opCount: true},
}

// Core bundles the live translator tables a control request operates
// on, decoupled from Gateway's TUN/iface plumbing so the control
// channel can be exercised (and tested) without a real device.
type Core struct {
	Pool4    *Pool4
	Pool6    *Pool6
	BIB      *BIBSet
	Sessions *SessionDB
	Cfg      *ConfigStore
}

// State snapshots the Gateway's live tables for the control channel.
func (g *Gateway) State() *Core {
	return &Core{Pool4: g.pool4, Pool6: g.pool6, BIB: g.bib, Sessions: g.sessions, Cfg: g.cfg}
}

// ControlServer serves spec.md §6's request/response protocol over a
// plain TCP listener. The teacher's translator has no control channel
// of its own (it's configured once at startup); this is grounded on
// original_source/include/nat64/comm/config_proto.h's wire format,
// carried to a userspace transport since there's no kernel module to
// hold a Netlink socket open.
type ControlServer struct {
	addr   string
	core   *Core
	logger *zap.Logger

	listener net.Listener
	done     chan struct{}
}

// NewControlServer builds a server bound to addr, not yet listening.
func NewControlServer(addr string, core *Core, logger *zap.Logger) *ControlServer {
	return &ControlServer{addr: addr, core: core, logger: logger, done: make(chan struct{})}
}

// Start opens the listener and begins serving in the background.
func (s *ControlServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	s.listener = ln
	go s.acceptLoop()
	s.logger.Info("Control channel listening", zap.String("addr", s.addr))
	return nil
}

// Stop closes the listener; in-flight connections are not closed and each
// ends when its client disconnects or a read or write on it fails.
func (s *ControlServer) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *ControlServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("Control channel accept error", zap.Error(err))
				return
			}
		}
		go s.serve(conn)
	}
}

func (s *ControlServer) serve(conn net.Conn) {
	defer conn.Close()
	for {
		hdr := make([]byte, requestHeaderLen)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		length := binary.LittleEndian.Uint32(hdr[0:4])
		mode := controlMode(hdr[4])
		op := controlOp(hdr[5])
		if uint32(length) < requestHeaderLen {
			s.writeErr(conn, ErrMalformedPacket)
			return
		}

		payload := make([]byte, length-requestHeaderLen)
		if len(payload) > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
		}

		if !controlOpsByMode[mode][op] {
			s.writeErr(conn, fmt.Errorf("%w: operation %d not permitted in mode %d", ErrConfigRejected, op, mode))
			continue
		}

		resp, err := s.dispatch(mode, op, payload)
		if err != nil {
			s.writeErr(conn, err)
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			s.logger.Debug("Control channel write error", zap.Error(err))
			return
		}
	}
}

// writeErr sends a one-byte-status response with err's text following,
// so a rejected request (spec.md §7 "Configuration rejection") is
// surfaced to the caller rather than silently dropping the connection.
func (s *ControlServer) writeErr(conn net.Conn, err error) {
	msg := []byte(err.Error())
	buf := make([]byte, 1+len(msg))
	buf[0] = 0 // status: error
	copy(buf[1:], msg)
	conn.Write(buf)
}

// ok prefixes payload with the one-byte success status.
func ok(payload []byte) []byte {
	return append([]byte{1}, payload...)
}

func (s *ControlServer) dispatch(mode controlMode, op controlOp, payload []byte) ([]byte, error) {
	switch mode {
	case modePool6:
		return s.handlePool6(op, payload)
	case modePool4:
		return s.handlePool4(op, payload)
	case modeBIB:
		return s.handleBIB(op, payload)
	case modeSession:
		return s.handleSession(op, payload)
	case modeGeneral:
		return s.handleGeneral(op, payload)
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrConfigRejected, mode)
	}
}

// --- POOL6 ---

func (s *ControlServer) handlePool6(op controlOp, payload []byte) ([]byte, error) {
	switch op {
	case opDisplay:
		var buf []byte
		for _, pfx := range s.core.Pool6.List() {
			buf = append(buf, encodePrefix6(pfx)...)
		}
		return ok(buf), nil
	case opCount:
		return ok(encodeU64(uint64(s.core.Pool6.Count()))), nil
	case opAdd:
		pfx, err := decodePrefix6(payload)
		if err != nil {
			return nil, err
		}
		if err := s.core.Pool6.Add(pfx); err != nil {
			return nil, err
		}
		return ok(nil), nil
	case opRemove:
		if len(payload) < 18 {
			return nil, ErrMalformedPacket
		}
		pfx, err := decodePrefix6(payload[:17])
		if err != nil {
			return nil, err
		}
		quick := payload[17] != 0
		s.core.Pool6.Remove(pfx)
		if !quick {
			s.core.Sessions.DeleteByV6Prefix(pfx)
		}
		return ok(nil), nil
	case opFlush:
		quick := len(payload) > 0 && payload[0] != 0
		s.core.Pool6.Flush()
		if !quick {
			s.core.Sessions.Flush()
			s.core.BIB.Flush()
		}
		return ok(nil), nil
	default:
		return nil, fmt.Errorf("%w: unsupported POOL6 operation", ErrConfigRejected)
	}
}

// --- POOL4 ---

func (s *ControlServer) handlePool4(op controlOp, payload []byte) ([]byte, error) {
	switch op {
	case opDisplay:
		var buf []byte
		for _, a := range s.core.Pool4.List() {
			buf = append(buf, a.To4()...)
		}
		return ok(buf), nil
	case opCount:
		return ok(encodeU64(uint64(s.core.Pool4.Count()))), nil
	case opAdd:
		if len(payload) < 4 {
			return nil, ErrMalformedPacket
		}
		s.core.Pool4.Add(net.IP(payload[:4]))
		return ok(nil), nil
	case opRemove:
		if len(payload) < 5 {
			return nil, ErrMalformedPacket
		}
		addr := net.IP(payload[:4])
		quick := payload[4] != 0
		s.core.Pool4.Remove(addr)
		if !quick {
			s.core.Sessions.DeleteByV4(addr)
			removeBIBByAddr4(s.core.BIB, addr)
		}
		return ok(nil), nil
	case opFlush:
		quick := len(payload) > 0 && payload[0] != 0
		s.core.Pool4.Flush()
		if !quick {
			s.core.Sessions.Flush()
			s.core.BIB.Flush()
		}
		return ok(nil), nil
	default:
		return nil, fmt.Errorf("%w: unsupported POOL4 operation", ErrConfigRejected)
	}
}

// removeBIBByAddr4 deletes every BIB entry (in any protocol's table)
// whose IPv4 side is addr. It does not touch sessions; its caller
// deletes the sessions on addr first, since a Session holds a reference
// to its BIB entry.
func removeBIBByAddr4(set *BIBSet, addr net.IP) {
	for _, l4 := range []L4Proto{L4UDP, L4TCP, L4ICMP} {
		table := set.Table(l4)
		var victims []*BIBEntry
		table.ForEach(func(e *BIBEntry) bool {
			if e.Addr4.Addr.Equal(addr) {
				victims = append(victims, e)
			}
			return true
		})
		for _, e := range victims {
			table.Remove(e)
		}
	}
}

// --- BIB ---

func (s *ControlServer) handleBIB(op controlOp, payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, ErrMalformedPacket
	}
	l4, err := decodeL4Proto(payload[0])
	if err != nil {
		return nil, err
	}
	table := s.core.BIB.Table(l4)
	body := payload[1:]

	switch op {
	case opDisplay:
		iterate := len(body) > 0 && body[0] != 0
		var cursor TupleAddr
		if iterate {
			if len(body) < 1+6 {
				return nil, ErrMalformedPacket
			}
			cursor = decodeTupleAddr4(body[1:7])
		}
		var buf []byte
		n := 0
		table.ForEachFrom(cursor, iterate, func(e *BIBEntry) bool {
			if n >= bibPageSize {
				return false
			}
			buf = append(buf, encodeBIBEntry(e)...)
			n++
			return true
		})
		return ok(buf), nil
	case opCount:
		return ok(encodeU64(uint64(table.Count()))), nil
	case opAdd:
		return s.addStaticBIB(table, l4, body)
	case opRemove:
		return s.removeBIB(table, body)
	default:
		return nil, fmt.Errorf("%w: unsupported BIB operation", ErrConfigRejected)
	}
}

func (s *ControlServer) addStaticBIB(table *BIB, l4 L4Proto, body []byte) ([]byte, error) {
	if len(body) < 18+6 {
		return nil, ErrMalformedPacket
	}
	addr6 := decodeTupleAddr6(body[0:18])
	addr4 := decodeTupleAddr4(body[18:24])

	if err := s.core.Pool4.Reserve(addr4.Addr, addr4.Id, l4); err != nil {
		return nil, err
	}
	entry := &BIBEntry{Addr6: addr6, Addr4: addr4, L4: l4, Static: true}
	if err := table.Add(entry); err != nil {
		s.core.Pool4.Release(addr4.Addr, addr4.Id, l4)
		return nil, err
	}
	return ok(nil), nil
}

func (s *ControlServer) removeBIB(table *BIB, body []byte) ([]byte, error) {
	if len(body) < 1+18+1+6 {
		return nil, ErrMalformedPacket
	}
	addr6Set := body[0] != 0
	addr6 := decodeTupleAddr6(body[1:19])
	addr4Set := body[19] != 0
	addr4 := decodeTupleAddr4(body[20:26])

	var (
		entry *BIBEntry
		found bool
	)
	switch {
	case addr4Set:
		entry, found = table.GetBy4(addr4)
	case addr6Set:
		entry, found = table.GetBy6(addr6)
	default:
		return nil, fmt.Errorf("%w: BIB remove needs addr4 or addr6", ErrConfigRejected)
	}
	if !found {
		return nil, ErrNoSession
	}
	s.core.Sessions.DeleteByBIB(entry)
	table.Remove(entry)
	return ok(nil), nil
}

// --- SESSION ---

func (s *ControlServer) handleSession(op controlOp, payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, ErrMalformedPacket
	}
	l4, err := decodeL4Proto(payload[0])
	if err != nil {
		return nil, err
	}
	body := payload[1:]

	switch op {
	case opDisplay:
		iterate := len(body) > 0 && body[0] != 0
		var cursor TupleAddr
		if iterate {
			if len(body) < 1+6 {
				return nil, ErrMalformedPacket
			}
			cursor = decodeTupleAddr4(body[1:7])
		}
		var buf []byte
		n := 0
		s.core.Sessions.ForEachFrom(l4, cursor, iterate, func(sess *Session) bool {
			if n >= sessionPageSize {
				return false
			}
			buf = append(buf, encodeSessionEntry(sess)...)
			n++
			return true
		})
		return ok(buf), nil
	case opCount:
		return ok(encodeU64(uint64(s.core.Sessions.Count(l4)))), nil
	default:
		return nil, fmt.Errorf("%w: unsupported SESSION operation", ErrConfigRejected)
	}
}

// --- GENERAL ---

func (s *ControlServer) handleGeneral(op controlOp, payload []byte) ([]byte, error) {
	switch op {
	case opDisplay:
		return ok(encodeGeneralConfig(s.core.Cfg.Load())), nil
	case opUpdate:
		return s.updateGeneral(payload)
	default:
		return nil, fmt.Errorf("%w: unsupported GENERAL operation", ErrConfigRejected)
	}
}

// general_module / *_type indices, from config_proto.h's enum
// general_module and its per-struct enums (only the fields this
// translator actually models are wired; the rest fail closed).
const (
	moduleSessionDB = 0
	moduleTranslate = 3

	sessiondbUDP      = 0
	sessiondbICMP     = 1
	sessiondbTCPEst   = 2
	sessiondbTCPTrans = 3

	translateMinIPv6MTU        = 7
	translateResetTrafficClass = 8
	translateResetTOS          = 9
	translateNewTOS            = 10
	translateDFAlwaysOn        = 11
	translateBuildIPv4ID       = 12
	translateLowerMTUFail      = 13
)

func (s *ControlServer) updateGeneral(payload []byte) ([]byte, error) {
	if len(payload) < 2+8 {
		return nil, ErrMalformedPacket
	}
	module := payload[0]
	field := payload[1]
	valueU64 := binary.LittleEndian.Uint64(payload[2:10])

	current := s.core.Cfg.Load()
	updated := *current

	switch module {
	case moduleSessionDB:
		ms := time.Duration(valueU64) * time.Millisecond
		switch field {
		case sessiondbUDP:
			updated.TTLs.UDP = ms
		case sessiondbICMP:
			updated.TTLs.ICMP = ms
		case sessiondbTCPEst:
			updated.TTLs.TCPEst = ms
		case sessiondbTCPTrans:
			updated.TTLs.TCPTrans = ms
		default:
			return nil, fmt.Errorf("%w: unknown sessiondb field %d", ErrConfigRejected, field)
		}
	case moduleTranslate:
		switch field {
		case translateMinIPv6MTU:
			if valueU64 < 1280 {
				return nil, fmt.Errorf("%w: min_ipv6_mtu below 1280", ErrConfigRejected)
			}
			updated.MinIPv6MTU = int(valueU64)
		case translateResetTrafficClass:
			updated.ResetTrafficClass = valueU64 != 0
		case translateResetTOS:
			updated.ResetTOS = valueU64 != 0
		case translateNewTOS:
			updated.NewTOS = uint8(valueU64)
		case translateDFAlwaysOn:
			updated.DFAlwaysOn = valueU64 != 0
		case translateBuildIPv4ID:
			updated.BuildIPv4ID = valueU64 != 0
		case translateLowerMTUFail:
			updated.LowerMTUFail = valueU64 != 0
		default:
			return nil, fmt.Errorf("%w: unknown translate field %d", ErrConfigRejected, field)
		}
	default:
		return nil, fmt.Errorf("%w: unknown module %d", ErrConfigRejected, module)
	}

	if updated.TTLs.UDP < MinUDPTimeout || updated.TTLs.TCPEst < MinTCPEstTimeout {
		return nil, fmt.Errorf("%w: TTL below RFC 6146 floor", ErrConfigRejected)
	}

	s.core.Cfg.Swap(&updated)
	return ok(nil), nil
}

// --- wire encode/decode helpers (spec.md §6 "Wire rules": little-endian
// fixed-width integers, bool as u8) ---

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func encodeU16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}

func decodeL4Proto(b byte) (L4Proto, error) {
	switch L4Proto(b) {
	case L4UDP, L4TCP, L4ICMP:
		return L4Proto(b), nil
	default:
		return 0, fmt.Errorf("%w: unknown l4_proto %d", ErrConfigRejected, b)
	}
}

// encodePrefix6/decodePrefix6 mirror struct ipv6_prefix { addr[16], len }.
func encodePrefix6(p Prefix6) []byte {
	buf := make([]byte, 17)
	copy(buf, p.Addr.To16())
	buf[16] = byte(p.Len)
	return buf
}

func decodePrefix6(b []byte) (Prefix6, error) {
	if len(b) < 17 {
		return Prefix6{}, ErrMalformedPacket
	}
	addr := make(net.IP, 16)
	copy(addr, b[:16])
	return Prefix6{Addr: addr, Len: int(b[16])}, nil
}

// encodeTupleAddr4/decodeTupleAddr4 mirror struct ipv4_tuple_address
// { addr[4], l4_id u16 }.
func encodeTupleAddr4(a TupleAddr) []byte {
	buf := make([]byte, 6)
	copy(buf, a.Addr.To4())
	binary.LittleEndian.PutUint16(buf[4:], a.Id)
	return buf
}

func decodeTupleAddr4(b []byte) TupleAddr {
	addr := make(net.IP, 4)
	copy(addr, b[:4])
	return TupleAddr{Addr: addr, Id: binary.LittleEndian.Uint16(b[4:6])}
}

// encodeTupleAddr6/decodeTupleAddr6 mirror struct ipv6_tuple_address
// { addr[16], l4_id u16 }.
func encodeTupleAddr6(a TupleAddr) []byte {
	buf := make([]byte, 18)
	copy(buf, a.Addr.To16())
	binary.LittleEndian.PutUint16(buf[16:], a.Id)
	return buf
}

func decodeTupleAddr6(b []byte) TupleAddr {
	addr := make(net.IP, 16)
	copy(addr, b[:16])
	return TupleAddr{Addr: addr, Id: binary.LittleEndian.Uint16(b[16:18])}
}

// encodeBIBEntry mirrors struct bib_entry_usr { addr4, addr6, is_static }.
func encodeBIBEntry(e *BIBEntry) []byte {
	buf := make([]byte, 0, 6+18+1)
	buf = append(buf, encodeTupleAddr4(e.Addr4)...)
	buf = append(buf, encodeTupleAddr6(e.Addr6)...)
	if e.Static {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// encodeSessionEntry mirrors struct session_entry_usr { addr6, addr4,
// time, state }, where addr6/addr4 are ipv6_pair/ipv4_pair (each
// local+remote) and the u64 time field is the session's last-update time
// in Unix seconds.
func encodeSessionEntry(s *Session) []byte {
	buf := make([]byte, 0, 36+12+8+1)
	buf = append(buf, encodeTupleAddr6(s.Pair6.Local)...)
	buf = append(buf, encodeTupleAddr6(s.Pair6.Remote)...)
	buf = append(buf, encodeTupleAddr4(s.Pair4.Local)...)
	buf = append(buf, encodeTupleAddr4(s.Pair4.Remote)...)
	buf = append(buf, encodeU64(uint64(s.UpdateTime.Unix()))...)
	buf = append(buf, byte(s.State))
	return buf
}

// encodeGeneralConfig mirrors struct response_general, restricted to the
// sub-structures this translator actually models (spec.md §6): sessiondb's
// four TTLs (ms), pktqueue's max_pkts, filtering's three flags, and
// translate's min_ipv6_mtu, reset_traffic_class, reset_tos, new_tos,
// df_always_on, build_ipv4_id, lower_mtu_fail and mtu_plateaus.
// mtu_plateaus is a variable-length array: it's appended after the fixed
// portion, and mtu_plateau_count (encoded just before it) tells the reader
// how many u16 entries follow.
func encodeGeneralConfig(cfg *Config) []byte {
	var buf []byte
	buf = append(buf, encodeU64(uint64(cfg.TTLs.UDP/time.Millisecond))...)
	buf = append(buf, encodeU64(uint64(cfg.TTLs.ICMP/time.Millisecond))...)
	buf = append(buf, encodeU64(uint64(cfg.TTLs.TCPEst/time.Millisecond))...)
	buf = append(buf, encodeU64(uint64(cfg.TTLs.TCPTrans/time.Millisecond))...)
	buf = append(buf, encodeU64(uint64(cfg.PendingSYNCapacity))...)
	buf = append(buf, boolByte(cfg.AddressDependentFiltering))
	buf = append(buf, boolByte(cfg.DropICMPv6Info))
	buf = append(buf, boolByte(cfg.DropExternallyInitiatedTCP))
	buf = append(buf, encodeU16(uint16(cfg.MinIPv6MTU))...)
	buf = append(buf, boolByte(cfg.ResetTrafficClass))
	buf = append(buf, boolByte(cfg.ResetTOS))
	buf = append(buf, cfg.NewTOS)
	buf = append(buf, boolByte(cfg.DFAlwaysOn))
	buf = append(buf, boolByte(cfg.BuildIPv4ID))
	buf = append(buf, boolByte(cfg.LowerMTUFail))
	buf = append(buf, encodeU16(uint16(len(cfg.MTUPlateaus)))...) // mtu_plateau_count
	for _, p := range cfg.MTUPlateaus {
		buf = append(buf, encodeU16(uint16(p))...)
	}
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
