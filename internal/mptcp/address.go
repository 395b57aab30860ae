package mptcp

import (
	"fmt"
	"net/netip"
)

// MaxAddr is the fixed per-family, per-direction slot capacity. This
// value is on-wire-significant (it sizes the ADD_ADDR/REMOVE_ADDR ID
// space split between IPv4 and IPv6) and must never be widened by a
// reimplementation.
const MaxAddr = 16

// Family distinguishes the two address families a registry slot may
// hold. The two mixed-family JOIN cases (v4 meta/v6 subflow and the
// reverse) are modeled as ordinary Family values on the subflow side,
// not as a separate tagged variant, per the "enumerable combinations"
// design note.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// LocalAddress is one populated slot of a local AddressRegistry half.
type LocalAddress struct {
	ID      uint8
	IP      netip.Addr
	LowPrio bool
}

// RemoteAddress is one populated slot of a remote AddressRegistry
// half. Bitfield records, per local ID, whether this remote address
// has already been attempted/claimed as a subflow pairing; RetryBitfield
// records pairings that failed and may be retried. ListRcvd is set by
// AddRemote on every fresh insert and every in-place NAT rewrite
// (spec.md §3/§4.1's NAT rule); nothing in this package reads or
// clears it.
type RemoteAddress struct {
	ID            uint8
	IP            netip.Addr
	Port          uint16
	Bitfield      uint16
	RetryBitfield uint16
	ListRcvd      bool
}

// addrHalf is one (family, direction) quadrant of a registry: a
// fixed-capacity slot array plus its presence bitfield and the
// monotonic next-index hint used to avoid reusing a just-vacated slot
// within the same connection.
type addrHalf[T any] struct {
	slots   [MaxAddr]T
	present [MaxAddr]bool
	bits    uint16
	nextIdx uint8
}

func (h *addrHalf[T]) findFree(start uint8) (uint8, bool) {
	for i := range uint8(MaxAddr) {
		idx := (start + i) % MaxAddr
		if !h.present[idx] {
			return idx, true
		}
	}
	return 0, false
}

func (h *addrHalf[T]) clear(idx uint8) {
	var zero T
	h.slots[idx] = zero
	h.present[idx] = false
	h.bits &^= 1 << idx
}

func (h *addrHalf[T]) set(idx uint8, v T) {
	h.slots[idx] = v
	h.present[idx] = true
	h.bits |= 1 << idx
}

// AddressRegistry is the per-connection bounded set of local and
// remote v4/v6 addresses with stable IDs and bitfield encodings (C1).
// A MetaConnection owns exactly one AddressRegistry.
type AddressRegistry struct {
	localV4  addrHalf[LocalAddress]
	localV6  addrHalf[LocalAddress]
	remoteV4 addrHalf[RemoteAddress]
	remoteV6 addrHalf[RemoteAddress]
}

// NewAddressRegistry returns an empty registry.
func NewAddressRegistry() *AddressRegistry {
	return &AddressRegistry{}
}

func (r *AddressRegistry) localHalf(f Family) *addrHalf[LocalAddress] {
	if f == FamilyV6 {
		return &r.localV6
	}
	return &r.localV4
}

func (r *AddressRegistry) remoteHalf(f Family) *addrHalf[RemoteAddress] {
	if f == FamilyV6 {
		return &r.remoteV6
	}
	return &r.remoteV4
}

// AddResult reports the outcome of AddRemote.
type AddResult int

const (
	AddOk AddResult = iota
	AddOkUpdatedNAT
	AddOkDuplicate
)

// AddRemote implements the C1 add_remote operation of spec.md §4.1.
func (r *AddressRegistry) AddRemote(family Family, addr netip.Addr, port uint16, id uint8) (AddResult, error) {
	h := r.remoteHalf(family)

	for i := range uint8(MaxAddr) {
		if !h.present[i] {
			continue
		}
		slot := &h.slots[i]
		if slot.ID != id {
			continue
		}
		if slot.IP == addr && slot.Port == port {
			return AddOkDuplicate, nil
		}
		// Same ID, different observed IP: NAT rewrite in place. The
		// peer-assigned ID stays stable; only the stored IP/port move.
		slot.IP = addr
		slot.Port = port
		slot.ListRcvd = true
		return AddOkUpdatedNAT, nil
	}

	idx, ok := h.findFree(0)
	if !ok {
		return AddOk, fmt.Errorf("add remote %s id=%d: %w", addr, id, ErrRegistryFull)
	}

	h.set(idx, RemoteAddress{ID: id, IP: addr, Port: port, ListRcvd: true})
	return AddOk, nil
}

// RemoveRemote implements the C1 remove_remote operation.
func (r *AddressRegistry) RemoveRemote(family Family, id uint8) error {
	h := r.remoteHalf(family)
	for i := range uint8(MaxAddr) {
		if h.present[i] && h.slots[i].ID == id {
			h.clear(i)
			return nil
		}
	}
	return fmt.Errorf("remove remote id=%d: %w", id, ErrNotFound)
}

// SetInitAddrBit implements the C1 set_init_addr_bit operation: among
// populated remote slots, find the one whose address equals the
// meta-connection's initial destination and OR-in bit 0 of its
// per-local bitfield, marking the initial local ID as already paired.
func (r *AddressRegistry) SetInitAddrBit(family Family, initialDst netip.Addr) {
	h := r.remoteHalf(family)
	for i := range uint8(MaxAddr) {
		if h.present[i] && h.slots[i].IP == initialDst {
			h.slots[i].Bitfield |= 1
			return
		}
	}
}

// AddLocal inserts a new local address at the lowest free slot
// starting the search at the registry's next_v_index hint, per the
// AddressEventReactor UP/CHANGE handling of spec.md §4.6 step 3. The
// wire ID is slot for IPv4, slot+MaxAddr for IPv6. IPv4 slot 0 (wire
// ID 0) is reserved for the initial subflow's local address and is
// never assigned here.
func (r *AddressRegistry) AddLocal(family Family, ip netip.Addr, lowPrio bool) (LocalAddress, error) {
	h := r.localHalf(family)

	var idx uint8
	ok := false
	for i := range uint8(MaxAddr) {
		cand := (h.nextIdx + i) % MaxAddr
		if family == FamilyV4 && cand == 0 {
			continue
		}
		if !h.present[cand] {
			idx, ok = cand, true
			break
		}
	}
	if !ok {
		return LocalAddress{}, fmt.Errorf("add local %s: %w", ip, ErrRegistryFull)
	}

	wireID := idx
	if family == FamilyV6 {
		wireID += MaxAddr
	}

	la := LocalAddress{ID: wireID, IP: ip, LowPrio: lowPrio}
	h.set(idx, la)
	h.nextIdx = idx + 1

	return la, nil
}

// RemoveLocalByIP clears the local slot holding ip, if any, and
// returns the cleared address and its slot index. Remote per-local
// bitfields are not touched here; the caller (C6) is responsible for
// ANDing them against the new presence bitmap.
func (r *AddressRegistry) RemoveLocalByIP(family Family, ip netip.Addr) (LocalAddress, uint8, bool) {
	h := r.localHalf(family)
	for i := range uint8(MaxAddr) {
		if h.present[i] && h.slots[i].IP == ip {
			la := h.slots[i]
			h.clear(i)
			return la, i, true
		}
	}
	return LocalAddress{}, 0, false
}

// FindLocalByIP reports the local slot (if any) matching ip, without
// mutating the registry.
func (r *AddressRegistry) FindLocalByIP(family Family, ip netip.Addr) (LocalAddress, uint8, bool) {
	h := r.localHalf(family)
	for i := range uint8(MaxAddr) {
		if h.present[i] && h.slots[i].IP == ip {
			return h.slots[i], i, true
		}
	}
	return LocalAddress{}, 0, false
}

// LocalBits returns the presence bitfield for the given family. Used
// by AddressEventReactor to AND remote per-local bitfields after a
// local address is removed (invariant 1: slot-bit correspondence).
func (r *AddressRegistry) LocalBits(family Family) uint16 {
	return r.localHalf(family).bits
}

// ForEachRemote invokes fn for every populated remote slot of family,
// allowing the caller to mutate each entry's Bitfield/RetryBitfield in
// place (e.g. to AND against a new LocalBits mask).
func (r *AddressRegistry) ForEachRemote(family Family, fn func(slot *RemoteAddress)) {
	h := r.remoteHalf(family)
	for i := range uint8(MaxAddr) {
		if h.present[i] {
			fn(&h.slots[i])
		}
	}
}

// ForEachLocal invokes fn for every populated local slot of family.
func (r *AddressRegistry) ForEachLocal(family Family, fn func(slot LocalAddress)) {
	h := r.localHalf(family)
	for i := range uint8(MaxAddr) {
		if h.present[i] {
			fn(h.slots[i])
		}
	}
}

// CheckSlotBitInvariant verifies invariant 1 (slot-bit correspondence)
// for every quadrant; it is exposed for use by tests and diagnostics,
// not by the hot path.
func (r *AddressRegistry) CheckSlotBitInvariant() error {
	halves := []struct {
		name    string
		present [MaxAddr]bool
		bits    uint16
	}{
		{"local-v4", r.localV4.present, r.localV4.bits},
		{"local-v6", r.localV6.present, r.localV6.bits},
		{"remote-v4", r.remoteV4.present, r.remoteV4.bits},
		{"remote-v6", r.remoteV6.present, r.remoteV6.bits},
	}
	for _, half := range halves {
		for i := range uint8(MaxAddr) {
			wantBit := (half.bits>>i)&1 == 1
			if wantBit != half.present[i] {
				return fmt.Errorf("%s slot %d: bit=%v present=%v invariant violated", half.name, i, wantBit, half.present[i])
			}
		}
	}
	return nil
}
