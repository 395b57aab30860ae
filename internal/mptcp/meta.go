package mptcp

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is a minimal stand-in for the owning TCP FSM state the
// MetaConnection is otherwise a pass-through for; only the two values
// this package's logic branches on are represented (spec.md §4.4 step
// 2, §4.7).
type ConnState uint8

const (
	StateEstablished ConnState = iota
	StateClose
)

// PacketSender abstracts the family-specific transmit path a
// MetaConnection uses to emit SYN-ACKs, RSTs, and option-bearing ACKs.
// Narrow by design, matching the teacher's PacketSender interface, so
// C4/C6/C7 stay testable without a real socket.
type PacketSender interface {
	SendSynAck(req *RequestState, opt JoinSynAckOption) error
	SendReset(family Family, local, remote netip.Addr, localPort, remotePort uint16) error
	SendAddAddr(meta *MetaConnection, opt AddAddrOption) error
	SendRemoveAddr(meta *MetaConnection, ids []uint8) error
	SendMPPrio(meta *MetaConnection, backup bool) error
}

// RouteResolver performs the family-specific destination lookup used
// during mixed-family child-socket promotion (spec.md §4.4, step (i)
// of the 7-step mixed-family contract). One concrete implementation
// adapts github.com/osrg/gobgp/v3's route table (internal/gobgpadapter);
// a stub implementation suffices for same-family promotions, which
// never consult it.
type RouteResolver interface {
	Resolve(family Family, dst netip.Addr) (nextHop netip.Addr, ok bool)
}

// MetaConnection is the logical MPTCP connection that owns one or more
// subflows (spec.md §3 "MetaConnection"). Unlike spec.md's kernel
// source, where it is an opaque external type this package only
// references fields on, here it is the concrete owning type: the
// out-of-scope TCP engine is represented purely by the PacketSender/
// RouteResolver/ChildSocketBuilder collaborator interfaces.
type MetaConnection struct {
	mu sync.Mutex

	ID string

	LocalKey  uint64
	RemoteKey uint64

	Family      Family
	LocalAddr   netip.Addr
	RemoteAddr  netip.Addr
	LocalPort   uint16
	RemotePort  uint16

	Registry *AddressRegistry

	// RemoveAddrs is a bitmap of wire IDs pending REMOVE_ADDR
	// advertisement; uint32 because v6 wire IDs run slot+MaxAddr (up to
	// 31, address.go).
	RemoveAddrs      uint32
	InsideTokenTable bool
	State            ConnState

	requests map[*RequestState]struct{}
	subflows map[*Subflow]struct{}

	refcount atomic.Int32

	Sender        PacketSender
	RouteResolver RouteResolver
	ChildBuilder  ChildSocketBuilder
	SubflowDialer SubflowDialer

	createdAt time.Time
}

// NewMetaConnection constructs a MetaConnection in StateEstablished
// and inside the token table, matching the state a meta reaches only
// after the out-of-scope MP_CAPABLE handshake completes.
func NewMetaConnection(id string, family Family, localAddr, remoteAddr netip.Addr, localPort, remotePort uint16, localKey, remoteKey uint64) *MetaConnection {
	m := &MetaConnection{
		ID:               id,
		LocalKey:         localKey,
		RemoteKey:        remoteKey,
		Family:           family,
		LocalAddr:        localAddr,
		RemoteAddr:       remoteAddr,
		LocalPort:        localPort,
		RemotePort:       remotePort,
		Registry:         NewAddressRegistry(),
		InsideTokenTable: true,
		State:            StateEstablished,
		requests:         make(map[*RequestState]struct{}),
		subflows:         make(map[*Subflow]struct{}),
		createdAt:        time.Now(),
	}
	m.Registry.SetInitAddrBit(family, remoteAddr)
	return m
}

// Lock/Unlock expose the meta-connection lock to callers that read or
// mutate the meta's fields (e.g. its AddressRegistry). OnJoinSynFast,
// OnJoinSyn, VerifyFinalACK and Dispatcher.DoRcv take this lock
// themselves, briefly, around each field access; it is not held across
// a whole JOIN acceptance or promotion, and since it is not reentrant a
// caller must not hold it while calling them.
func (m *MetaConnection) Lock()   { m.mu.Lock() }
func (m *MetaConnection) Unlock() { m.mu.Unlock() }

// acquire atomically raises the refcount; called only while
// RequestTable.Lookup holds table_lock, per the "back-references"
// design note.
func (m *MetaConnection) acquire() { m.refcount.Add(1) }

// Release drops a reference acquired via RequestTable.Lookup.
func (m *MetaConnection) Release() { m.refcount.Add(-1) }

// addRequest links req into the meta's own request queue. Must be
// called with the meta lock held.
func (m *MetaConnection) addRequest(req *RequestState) {
	m.requests[req] = struct{}{}
}

// removeRequest unlinks req from the meta's own request queue. Must
// be called with the meta lock held.
func (m *MetaConnection) removeRequest(req *RequestState) {
	delete(m.requests, req)
}

// PendingRequests returns a snapshot slice of currently pending
// requests, for diagnostics/API use.
func (m *MetaConnection) PendingRequests() []*RequestState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*RequestState, 0, len(m.requests))
	for r := range m.requests {
		out = append(out, r)
	}
	return out
}

// addSubflow links a newly created subflow into the meta's subflow
// set. Must be called with the meta lock held.
func (m *MetaConnection) addSubflow(s *Subflow) {
	m.subflows[s] = struct{}{}
}

// removeSubflow unlinks a subflow. Must be called with the meta lock
// held.
func (m *MetaConnection) removeSubflow(s *Subflow) {
	delete(m.subflows, s)
}

// SubflowsBoundToLocal returns a snapshot of subflows currently bound
// to localAddr, tolerating concurrent removal per spec.md §4.6's
// "safe iteration; hold no long-duration lock across callbacks"
// requirement — the lock is held only to copy the snapshot.
func (m *MetaConnection) SubflowsBoundToLocal(localAddr netip.Addr) []*Subflow {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Subflow
	for s := range m.subflows {
		if s.LocalAddr == localAddr {
			out = append(out, s)
		}
	}
	return out
}

// Subflows returns a snapshot of all active subflows.
func (m *MetaConnection) Subflows() []*Subflow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Subflow, 0, len(m.subflows))
	for s := range m.subflows {
		out = append(out, s)
	}
	return out
}

// Close transitions the MetaConnection to StateClose and destroys any
// still-pending requests (EventMetaClose), per the teardown ordering
// design note: requests are torn down before the meta itself is
// considered gone.
func (m *MetaConnection) Close(table *RequestTable) {
	m.mu.Lock()
	pending := make([]*RequestState, 0, len(m.requests))
	for r := range m.requests {
		pending = append(pending, r)
	}
	m.State = StateClose
	m.InsideTokenTable = false
	m.mu.Unlock()

	for _, r := range pending {
		DestroyRequest(r, table, EventMetaClose)
	}
}
