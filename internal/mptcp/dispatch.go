package mptcp

import (
	"fmt"
	"net/netip"
)

// InboundPacket is the minimal view of an inbound packet the
// Dispatcher needs: 4-tuple, whether the MPTCP JOIN marker is set, and
// (when it is) the parsed JOIN-related option for either a SYN or the
// final ACK. Segmentation, sequence numbers, and payload are out of
// scope (spec.md §1).
type InboundPacket struct {
	Family  Family
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16

	HasJoinMarker bool
	IsSYN         bool
	IsACK         bool

	SynOpts ParsedJoinOpts
	AckOpt  JoinAckOption

	HasValidAuth bool
}

// EstablishedMatch is the result of an established-table lookup for a
// non-JOIN packet (spec.md §4.7 first bullet).
type EstablishedMatch struct {
	Found     bool
	IsMeta    bool
	TimeWait  bool
	Subflow   *Subflow
}

// EstablishedLookup performs the out-of-scope family-specific
// established-connection table lookup by full 4-tuple.
type EstablishedLookup interface {
	Lookup(pkt InboundPacket) EstablishedMatch
}

// TCPDoRcv delegates a non-JOIN packet already resolved to a subflow
// to the out-of-scope TCP input engine.
type TCPDoRcv func(sf *Subflow, pkt InboundPacket) error

// RcvStateProcess drives a freshly promoted child socket through the
// out-of-scope TCP receive-state machine.
type RcvStateProcess func(child *ChildSocket, pkt InboundPacket) error

// Dispatcher (C7): routes inbound packets on a meta-connection to an
// existing subflow, the JOIN fast-path, or a new JOIN.
type Dispatcher struct {
	Table        *RequestTable
	Lookup       EstablishedLookup
	Nonces       NonceSource
	TCPDoRcv     TCPDoRcv
	RcvState     RcvStateProcess
}

// DoRcv implements the C7 entry point of spec.md §4.7.
func (d *Dispatcher) DoRcv(meta *MetaConnection, pkt InboundPacket) error {
	if !pkt.HasJoinMarker {
		return d.dispatchEstablished(meta, pkt)
	}

	meta.mu.Lock()
	closed := meta.State == StateClose || !meta.InsideTokenTable
	meta.mu.Unlock()
	if closed {
		_ = meta.Sender.SendReset(pkt.Family, pkt.DstAddr, pkt.SrcAddr, pkt.DstPort, pkt.SrcPort)
		return fmt.Errorf("do_rcv from %s: %w", pkt.SrcAddr, ErrMetaClosed)
	}

	if pkt.IsACK {
		return d.dispatchFinalACK(meta, pkt)
	}

	return d.dispatchNewJoinSyn(meta, pkt)
}

// dispatchEstablished implements spec.md §4.7 first bullet.
func (d *Dispatcher) dispatchEstablished(meta *MetaConnection, pkt InboundPacket) error {
	match := d.Lookup.Lookup(pkt)

	switch {
	case !match.Found:
		return nil // drop; nothing is logged
	case match.IsMeta:
		return nil // drop; nothing is logged
	case match.TimeWait:
		return fmt.Errorf("do_rcv from %s: %w", pkt.SrcAddr, ErrTimeWaitDrop)
	default:
		return d.TCPDoRcv(match.Subflow, pkt)
	}
}

// dispatchFinalACK implements the "returns a child socket" branch of
// spec.md §4.7: the half-open handler is the RequestTable lookup plus
// MAC verification; a miss is a silent discard (hnd_req returned
// null), and any rcv_state_process error resets using the child as
// the reset source.
func (d *Dispatcher) dispatchFinalACK(meta *MetaConnection, pkt InboundPacket) error {
	req, ok := d.Table.Lookup(pkt.SrcAddr, pkt.SrcPort, pkt.DstAddr, pkt.Family)
	if !ok {
		return nil // hnd_req returned null: discard silently
	}
	defer req.Meta.Release()

	child, err := VerifyFinalACK(req, d.Table, pkt.AckOpt)
	if err != nil {
		return nil // MAC mismatch: discard silently, do not RST the meta
	}

	if err := d.RcvState(child, pkt); err != nil {
		_ = meta.Sender.SendReset(child.Family, child.LocalAddr, child.RemoteAddr, 0, 0)
		return fmt.Errorf("rcv_state_process for promoted child %s: %w", child.RemoteAddr, err)
	}
	return nil
}

// dispatchNewJoinSyn implements the "returns the meta itself" branch
// of spec.md §4.7: extract MP_JOIN, add the source to the remote
// AddressRegistry, invoke the slow JOIN path, and discard (the reply
// was the SYN-ACK sent by OnJoinSyn). No list_rcvd flag is cleared
// here; AddRemote sets the slot's ListRcvd.
func (d *Dispatcher) dispatchNewJoinSyn(meta *MetaConnection, pkt InboundPacket) error {
	inboundSyn := InboundSynPacket{
		Family:       pkt.Family,
		SrcAddr:      pkt.SrcAddr,
		DstAddr:      pkt.DstAddr,
		SrcPort:      pkt.SrcPort,
		DstPort:      pkt.DstPort,
		HasValidAuth: pkt.HasValidAuth,
	}

	meta.mu.Lock()
	_, err := meta.Registry.AddRemote(pkt.Family, pkt.SrcAddr, 0, pkt.SynOpts.RemoteAddrID)
	meta.mu.Unlock()
	if err != nil {
		_ = meta.Sender.SendReset(pkt.Family, pkt.DstAddr, pkt.SrcAddr, pkt.DstPort, pkt.SrcPort)
		return fmt.Errorf("do_rcv new join from %s: %w", pkt.SrcAddr, err)
	}

	_, err = OnJoinSyn(meta, d.Table, inboundSyn, pkt.SynOpts, d.Nonces, FloodContext{})
	return err
}
