package mptcp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// SynAckTimeout bounds a RequestState's SYN_RCV_TIMEOUT (spec.md §6:
// "SYN-ACK timeout = TCP_TIMEOUT_INIT"). Resolved in SPEC_FULL.md §13.
const SynAckTimeout = 1 * time.Second

// SynInfo carries the subset of standard TCP half-open request-sock
// state the common request-creation routine populates (spec.md §3,
// RequestState entity): initial sequence number, SYN-ACK send time,
// and negotiated option echoes. The full TCP input/output engine
// (segmentation, retransmit timers beyond SYN-ACK, congestion state)
// is out of scope and not modeled here.
type SynInfo struct {
	SntISN      uint32
	SntSynAck   time.Time
	TSRecent    uint32
	MSSClamp    uint16
	TimestampOK bool
	ECN         bool
	IIf         int
}

// RequestState is one pending JOIN (spec.md §3 "RequestState").
type RequestState struct {
	mu sync.Mutex

	Meta *MetaConnection

	RemoteKey uint64
	LocalKey  uint64

	RemoteNonce uint32
	LocalNonce  uint32

	TruncatedMAC [8]byte

	RemoteID uint8
	LowPrio  bool

	Family  Family
	LocAddr netip.Addr
	RmtAddr netip.Addr
	LocPort uint16
	RmtPort uint16

	Syn SynInfo

	State     RequestLifecycleState
	CreatedAt time.Time

	timer *time.Timer
}

// ParsedJoinOpts is the result of parsing an inbound MP_JOIN SYN's
// TCP options: remote nonce, remote address-id, and the backup hint,
// per spec.md §4.4(a) preconditions.
type ParsedJoinOpts struct {
	RemoteNonce  uint32
	RemoteAddrID uint8
	Backup       bool
}

// InboundSynPacket is the minimal view of an inbound SYN this package
// needs: source/destination 4-tuple and a source MAC/MD5 presence
// check, standing in for the out-of-scope TCP segmentation engine.
type InboundSynPacket struct {
	Family  Family
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16

	// HasValidAuth is true when no MD5 signature is configured, or a
	// configured MD5 signature validated. Spec.md §4.4(a) step 1:
	// "If the packet carries an unexpected or missing MD5 signature
	// ... silently drop."
	HasValidAuth bool
}

// FloodContext carries the PAWS/anti-flood inputs of spec.md §4.4
// step 6, which this package cannot derive on its own because they
// depend on out-of-scope global TCP state (peer timestamp cache, SYN
// backlog occupancy, per-destination RTT metrics).
type FloodContext struct {
	HasCookieRecycling   bool // isn == 0 path was NOT taken
	PeerAdvertisedTS     bool
	TWRecycleEnabled     bool
	HasRecentPeerEntry   bool
	PeerTSCloserThanMSL  bool
	PeerTS               uint32
	TSRecent             uint32
	PAWSWindowExceeded   bool
	SyncookiesDisabled   bool
	BacklogLastQuarter   bool
	HasRTTMetric         bool
}

// rejectsSYN implements spec.md §4.4 step 6 verbatim:
//
//  1. PAWS reject: no cookie recycling, peer advertised a timestamp,
//     tw_recycle enabled, a recent peer entry exists, and the peer's
//     timestamp exceeds ts_recent by more than the PAWS window.
//  2. Anti-flood: syncookies disabled, backlog in its last quarter, no
//     peer entry, and no RTT metric for the destination.
func (f FloodContext) rejectsSYN() bool {
	pawsReject := !f.HasCookieRecycling && f.PeerAdvertisedTS && f.TWRecycleEnabled &&
		f.HasRecentPeerEntry && f.PeerTSCloserThanMSL && f.PAWSWindowExceeded

	antiFlood := f.SyncookiesDisabled && f.BacklogLastQuarter &&
		!f.HasRecentPeerEntry && !f.HasRTTMetric

	return pawsReject || antiFlood
}

// ChildSocket is the result of promoting a RequestState on final-ACK
// match: the minimal description of the new subflow socket the
// out-of-scope TCP engine now owns.
type ChildSocket struct {
	Family     Family
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16
}

// ChildSocketBuilder performs the family-specific syn_recv_sock
// operation of spec.md §4.4's full-ACK promotion collaborator. The
// mixed-family implementation must satisfy the 7-step contract
// (v6 dst lookup, v6-capable child, TCPv6 GSO, cloned SYN options,
// v6 defaults, inherited port, v6-established hashing) described
// there; DefaultChildSocketBuilder implements the same-family case.
type ChildSocketBuilder interface {
	Build(req *RequestState) (*ChildSocket, error)
}

// DefaultChildSocketBuilder builds a same-family child socket: no
// routing lookup is required because the subflow's family already
// matches the meta's. A request whose family differs from the meta's
// is rejected with ErrRouteFailure.
type DefaultChildSocketBuilder struct{}

func (DefaultChildSocketBuilder) Build(req *RequestState) (*ChildSocket, error) {
	if req.Meta != nil && req.Family != req.Meta.Family {
		return nil, fmt.Errorf("promote %s: %w", req.RmtAddr, ErrRouteFailure)
	}
	return &ChildSocket{
		Family:     req.Family,
		LocalAddr:  req.LocAddr,
		RemoteAddr: req.RmtAddr,
		LocalPort:  req.LocPort,
		RemotePort: req.RmtPort,
	}, nil
}

// MixedFamilyChildSocketBuilder implements the mixed-family promotion
// contract of spec.md §4.4 (e.g. v4 meta, v6 subflow): it must route
// the 5-tuple via a same-family RouteResolver independent of the
// meta's own address family, rejecting on lookup failure with
// ErrRouteFailure and on accept-queue exhaustion with
// ErrListenOverflow. Dispatcher discards both errors without counting
// them.
type MixedFamilyChildSocketBuilder struct {
	Resolver       RouteResolver
	AcceptQueueFull func(meta *MetaConnection) bool
}

func (b MixedFamilyChildSocketBuilder) Build(req *RequestState) (*ChildSocket, error) {
	if b.AcceptQueueFull != nil && b.AcceptQueueFull(req.Meta) {
		return nil, fmt.Errorf("promote %s: %w", req.RmtAddr, ErrListenOverflow)
	}

	if _, ok := b.Resolver.Resolve(req.Family, req.RmtAddr); !ok {
		return nil, fmt.Errorf("promote %s: %w", req.RmtAddr, ErrRouteFailure)
	}

	// Steps (ii)-(vii) of spec.md §4.4 — allocate a family-capable
	// child, set GSO type, clone SYN options, apply v6 defaults,
	// inherit the meta's port, hash into the family-established
	// table — are delegated to the out-of-scope TCP engine once this
	// builder returns a resolved ChildSocket; this package's
	// responsibility ends at producing that description.
	return &ChildSocket{
		Family:     req.Family,
		LocalAddr:  req.LocAddr,
		RemoteAddr: req.RmtAddr,
		LocalPort:  req.Meta.LocalPort,
		RemotePort: req.RmtPort,
	}, nil
}

// NonceSource draws cryptographically random local_nonce values
// (spec.md §4.4 step 3: "full 32 bits" from a cryptographic RNG).
type NonceSource interface {
	Nonce() (uint32, error)
}

// OnJoinSynFast implements the fast-path entry of spec.md §4.4(a).
// parsed must already carry the remote nonce/address-id/backup hint.
func OnJoinSynFast(meta *MetaConnection, table *RequestTable, pkt InboundSynPacket, parsed ParsedJoinOpts, nonces NonceSource) (*RequestState, error) {
	if !pkt.HasValidAuth {
		return nil, fmt.Errorf("join-syn-fast from %s: %w", pkt.SrcAddr, ErrBadAuth)
	}

	meta.mu.Lock()
	closed := meta.State == StateClose || !meta.InsideTokenTable
	meta.mu.Unlock()
	if closed {
		_ = meta.Sender.SendReset(pkt.Family, pkt.DstAddr, pkt.SrcAddr, pkt.DstPort, pkt.SrcPort)
		return nil, fmt.Errorf("join-syn-fast: %w", ErrMetaClosed)
	}

	meta.mu.Lock()
	_, err := meta.Registry.AddRemote(pkt.Family, pkt.SrcAddr, 0, parsed.RemoteAddrID)
	meta.mu.Unlock()
	if err != nil {
		_ = meta.Sender.SendReset(pkt.Family, pkt.DstAddr, pkt.SrcAddr, pkt.DstPort, pkt.SrcPort)
		return nil, fmt.Errorf("join-syn-fast: %w", err)
	}

	return createRequest(meta, table, pkt, parsed, nonces, FloodContext{})
}

// OnJoinSyn implements the slow path of spec.md §4.4(b): options are
// parsed from scratch by the caller (the out-of-scope TCP option
// parser) before this function runs; parsed and flood are its result.
func OnJoinSyn(meta *MetaConnection, table *RequestTable, pkt InboundSynPacket, parsed ParsedJoinOpts, nonces NonceSource, flood FloodContext) (*RequestState, error) {
	return createRequest(meta, table, pkt, parsed, nonces, flood)
}

// createRequest is the common JOIN request-creation routine of
// spec.md §4.4, shared by the fast and slow paths.
func createRequest(meta *MetaConnection, table *RequestTable, pkt InboundSynPacket, parsed ParsedJoinOpts, nonces NonceSource, flood FloodContext) (*RequestState, error) {
	if flood.rejectsSYN() {
		return nil, fmt.Errorf("join-syn from %s: %w", pkt.SrcAddr, ErrPAWSReject)
	}

	localNonce, err := nonces.Nonce()
	if err != nil {
		return nil, fmt.Errorf("draw local nonce: %w: %w", err, ErrAllocFailed)
	}

	meta.mu.Lock()
	localKey, remoteKey := meta.LocalKey, meta.RemoteKey
	meta.mu.Unlock()

	req := &RequestState{
		Meta:        meta,
		RemoteKey:   remoteKey,
		LocalKey:    localKey,
		RemoteNonce: parsed.RemoteNonce,
		LocalNonce:  localNonce,
		RemoteID:    parsed.RemoteAddrID,
		LowPrio:     parsed.Backup,
		Family:      pkt.Family,
		LocAddr:     pkt.DstAddr,
		RmtAddr:     pkt.SrcAddr,
		LocPort:     pkt.DstPort,
		RmtPort:     pkt.SrcPort,
		State:       RequestNew,
		CreatedAt:   time.Now(),
	}
	req.TruncatedMAC = ResponderMAC(localKey, remoteKey, localNonce, parsed.RemoteNonce)
	req.Syn.SntISN = synISN(req)
	req.Syn.SntSynAck = time.Now()

	synAck := JoinSynAckOption{
		Backup: false,
		AddrID: parsed.RemoteAddrID,
		MACB:   req.TruncatedMAC,
		Nonce:  localNonce,
	}

	if err := meta.Sender.SendSynAck(req, synAck); err != nil {
		applyAndIgnore(req, EventSendFail)
		return nil, fmt.Errorf("send SYN-ACK to %s: %w", pkt.SrcAddr, err)
	}

	result := applyAndIgnore(req, EventSynAckSent)
	for _, action := range result.Actions {
		if action == ActionInsertTable {
			meta.mu.Lock()
			meta.addRequest(req)
			meta.mu.Unlock()
			table.Insert(req)
			req.ArmTimeout(table, nil)
		}
	}

	return req, nil
}

// synISN stands in for the out-of-scope v4/v6 TCP initial sequence
// number computation; a reimplementation with a real TCP engine
// delegates this to it instead.
func synISN(req *RequestState) uint32 {
	return uint32(req.CreatedAt.UnixNano()) ^ req.RemoteNonce
}

// ArmTimeout schedules SYN_RCV_TIMEOUT expiry: the timer destroys the
// request via DestroyRequest with EventTimeout and then invokes
// onExpire, if non-nil, exactly once unless the request is promoted or
// otherwise destroyed first. Call after the request has been inserted
// into the RequestTable.
func (r *RequestState) ArmTimeout(table *RequestTable, onExpire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = time.AfterFunc(SynAckTimeout, func() {
		DestroyRequest(r, table, EventTimeout)
		if onExpire != nil {
			onExpire()
		}
	})
}

func (r *RequestState) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// RtxSynAck implements spec.md §4.4(c): retransmit the SYN-ACK for a
// still-pending request through meta.Sender, which transmits in the
// request's family. When the meta's family differs from the request's,
// *retransCounter (if non-nil) is incremented.
func RtxSynAck(req *RequestState, meta *MetaConnection, retransCounter *uint32) error {
	synAck := JoinSynAckOption{
		AddrID: req.RemoteID,
		MACB:   req.TruncatedMAC,
		Nonce:  req.LocalNonce,
	}

	if meta.Family != req.Family && retransCounter != nil {
		*retransCounter++
	}

	if err := meta.Sender.SendSynAck(req, synAck); err != nil {
		return fmt.Errorf("retransmit SYN-ACK to %s: %w", req.RmtAddr, err)
	}
	return nil
}

// VerifyFinalACK checks an inbound ACK's full MAC against the request
// and, on match, applies EventFinalACKMatch and builds the child
// socket via meta.ChildBuilder. On any failure the request is left
// untouched (the caller decides whether to RST). Promotion is a
// destruction path like any other: the request is unlinked from table
// first, then from the meta's own queue (spec.md §4.4's destructor
// order), so table must be the same RequestTable the request was
// inserted into.
func VerifyFinalACK(req *RequestState, table *RequestTable, ack JoinAckOption) (*ChildSocket, error) {
	want := FullMAC(req.RemoteKey, req.LocalKey, req.RemoteNonce, req.LocalNonce)
	if want != ack.MAC {
		return nil, fmt.Errorf("final ACK MAC mismatch for %s: %w", req.RmtAddr, ErrBadAuth)
	}

	child, err := req.Meta.ChildBuilder.Build(req)
	if err != nil {
		return nil, err
	}

	req.mu.Lock()
	result := ApplyRequestEvent(req.State, EventFinalACKMatch)
	req.State = result.NewState
	req.mu.Unlock()

	if !result.Changed {
		return nil, fmt.Errorf("final ACK for %s: %w", req.RmtAddr, ErrRequestNotPending)
	}

	req.stopTimer()

	_ = table.Remove(req)

	req.Meta.mu.Lock()
	req.Meta.removeRequest(req)
	req.Meta.mu.Unlock()

	return child, nil
}

// DestroyRequest implements the destructor chain of spec.md §4.4: a
// RequestState is destroyed at most once. The destructor always
// unlinks from the RequestTable first (under table_lock via
// table.Remove), then releases MPTCP-specific resources (here: stops
// the timeout timer and unlinks from the meta's own queue).
func DestroyRequest(req *RequestState, table *RequestTable, event RequestEvent) {
	req.mu.Lock()
	result := ApplyRequestEvent(req.State, event)
	req.State = result.NewState
	req.mu.Unlock()

	if !result.Changed {
		return
	}

	_ = table.Remove(req)
	req.stopTimer()

	req.Meta.mu.Lock()
	req.Meta.removeRequest(req)
	req.Meta.mu.Unlock()
}

func applyAndIgnore(req *RequestState, event RequestEvent) RequestFSMResult {
	req.mu.Lock()
	result := ApplyRequestEvent(req.State, event)
	req.State = result.NewState
	req.mu.Unlock()
	return result
}
