package mptcp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Wire-format option encodings for the MPTCP suboptions this package
// handles, bit-exact per spec.md §6. TCP option kind/length framing
// (the outer TCP-option TLV) is left to the out-of-scope TCP engine;
// these types model only the MPTCP suboption payload.

// MPTCP suboption kinds (IANA-assigned subtype values within TCP
// option kind 30, MPTCP).
const (
	SubtypeJoin       uint8 = 1
	SubtypeAddAddr    uint8 = 3
	SubtypeRemoveAddr uint8 = 4
	SubtypeMPPrio     uint8 = 5
)

// JoinSynOption is the payload of an MP_JOIN carried on a SYN:
// remote address ID (1 byte), peer's truncated token (4 bytes),
// peer's nonce (4 bytes), backup flag (1 bit in flags).
type JoinSynOption struct {
	Backup  bool
	AddrID  uint8
	Token   uint32
	Nonce   uint32
}

// JoinSynAckOption is the payload of an MP_JOIN carried on a SYN-ACK:
// local truncated MAC-B (8 bytes), local nonce (4 bytes), backup flag.
type JoinSynAckOption struct {
	Backup  bool
	AddrID  uint8
	MACB    [8]byte
	Nonce   uint32
}

// JoinAckOption is the payload of an MP_JOIN carried on the final ACK:
// local full MAC (20 bytes).
type JoinAckOption struct {
	MAC [20]byte
}

// AddAddrOption is the payload of an ADD_ADDR option: address ID
// (1 byte), address (4 or 16 bytes), optional port (2 bytes, 0 if
// absent).
type AddAddrOption struct {
	AddrID uint8
	Addr   netip.Addr
	Port   uint16 // 0 means absent
}

// RemoveAddrOption is the payload of a REMOVE_ADDR option: a variable
// list of IDs, one byte each.
type RemoveAddrOption struct {
	IDs []uint8
}

// MPPrioOption is the payload of an MP_PRIO option: the new backup
// bit, optionally scoped to one address ID.
type MPPrioOption struct {
	Backup bool
	AddrID *uint8
}

// MarshalJoinSyn encodes a JoinSynOption into its 12-byte MPTCP
// suboption payload (subtype/flags nibble, addr id, token, nonce).
func MarshalJoinSyn(opt JoinSynOption) []byte {
	buf := make([]byte, 12)
	buf[0] = (SubtypeJoin << 4) | flagsByte(opt.Backup)
	buf[1] = opt.AddrID
	binary.BigEndian.PutUint32(buf[2:6], opt.Token)
	binary.BigEndian.PutUint32(buf[6:10], opt.Nonce)
	// buf[10:12] reserved/padding to a round length, left zero.
	return buf
}

// UnmarshalJoinSyn decodes a JoinSynOption from a SYN's MP_JOIN
// suboption payload.
func UnmarshalJoinSyn(buf []byte) (JoinSynOption, error) {
	if len(buf) < 10 {
		return JoinSynOption{}, fmt.Errorf("join-syn option length %d: %w", len(buf), ErrMalformedOption)
	}
	return JoinSynOption{
		Backup: buf[0]&0x1 != 0,
		AddrID: buf[1],
		Token:  binary.BigEndian.Uint32(buf[2:6]),
		Nonce:  binary.BigEndian.Uint32(buf[6:10]),
	}, nil
}

// MarshalJoinSynAck encodes a JoinSynAckOption into its 16-byte
// payload (addr id, MAC-B, nonce).
func MarshalJoinSynAck(opt JoinSynAckOption) []byte {
	buf := make([]byte, 16)
	buf[0] = (SubtypeJoin << 4) | flagsByte(opt.Backup)
	buf[1] = opt.AddrID
	copy(buf[2:10], opt.MACB[:])
	binary.BigEndian.PutUint32(buf[10:14], opt.Nonce)
	return buf
}

// UnmarshalJoinSynAck decodes a JoinSynAckOption from a SYN-ACK's
// MP_JOIN suboption payload.
func UnmarshalJoinSynAck(buf []byte) (JoinSynAckOption, error) {
	if len(buf) < 14 {
		return JoinSynAckOption{}, fmt.Errorf("join-synack option length %d: %w", len(buf), ErrMalformedOption)
	}
	var opt JoinSynAckOption
	opt.Backup = buf[0]&0x1 != 0
	opt.AddrID = buf[1]
	copy(opt.MACB[:], buf[2:10])
	opt.Nonce = binary.BigEndian.Uint32(buf[10:14])
	return opt, nil
}

// MarshalJoinAck encodes a JoinAckOption into its 20-byte payload.
func MarshalJoinAck(opt JoinAckOption) []byte {
	buf := make([]byte, 20)
	copy(buf, opt.MAC[:])
	return buf
}

// UnmarshalJoinAck decodes a JoinAckOption from an ACK's MP_JOIN
// suboption payload.
func UnmarshalJoinAck(buf []byte) (JoinAckOption, error) {
	if len(buf) < 20 {
		return JoinAckOption{}, fmt.Errorf("join-ack option length %d: %w", len(buf), ErrMalformedOption)
	}
	var opt JoinAckOption
	copy(opt.MAC[:], buf[:20])
	return opt, nil
}

// MarshalAddAddr encodes an AddAddrOption. Address length is derived
// from whether Addr is a 4-in-6 or genuine v6 address.
func MarshalAddAddr(opt AddAddrOption) []byte {
	addrBytes := addrWireBytes(opt.Addr)

	size := 1 + len(addrBytes)
	if opt.Port != 0 {
		size += 2
	}
	buf := make([]byte, size)
	buf[0] = opt.AddrID
	copy(buf[1:], addrBytes)
	if opt.Port != 0 {
		binary.BigEndian.PutUint16(buf[1+len(addrBytes):], opt.Port)
	}
	return buf
}

// UnmarshalAddAddr decodes an AddAddrOption. isV6 disambiguates a
// 4-byte vs 16-byte address field, mirroring how the MPTCP suboption
// subtype (ADD_ADDR vs ADD_ADDR6) distinguishes them on the wire.
func UnmarshalAddAddr(buf []byte, isV6 bool) (AddAddrOption, error) {
	addrLen := 4
	if isV6 {
		addrLen = 16
	}
	if len(buf) < 1+addrLen {
		return AddAddrOption{}, fmt.Errorf("add-addr option length %d: %w", len(buf), ErrMalformedOption)
	}

	var opt AddAddrOption
	opt.AddrID = buf[0]

	addr, ok := netip.AddrFromSlice(buf[1 : 1+addrLen])
	if !ok {
		return AddAddrOption{}, fmt.Errorf("add-addr option address: %w", ErrMalformedOption)
	}
	opt.Addr = addr

	rest := buf[1+addrLen:]
	if len(rest) >= 2 {
		opt.Port = binary.BigEndian.Uint16(rest[:2])
	}
	return opt, nil
}

// MarshalRemoveAddr encodes a RemoveAddrOption as a flat ID list.
func MarshalRemoveAddr(opt RemoveAddrOption) []byte {
	return append([]byte(nil), opt.IDs...)
}

// UnmarshalRemoveAddr decodes a RemoveAddrOption from a flat ID list.
func UnmarshalRemoveAddr(buf []byte) RemoveAddrOption {
	ids := make([]uint8, len(buf))
	copy(ids, buf)
	return RemoveAddrOption{IDs: ids}
}

// MarshalMPPrio encodes an MPPrioOption.
func MarshalMPPrio(opt MPPrioOption) []byte {
	if opt.AddrID == nil {
		return []byte{flagsByte(opt.Backup)}
	}
	return []byte{flagsByte(opt.Backup), *opt.AddrID}
}

// UnmarshalMPPrio decodes an MPPrioOption.
func UnmarshalMPPrio(buf []byte) (MPPrioOption, error) {
	if len(buf) < 1 {
		return MPPrioOption{}, fmt.Errorf("mp-prio option length %d: %w", len(buf), ErrMalformedOption)
	}
	opt := MPPrioOption{Backup: buf[0]&0x1 != 0}
	if len(buf) >= 2 {
		id := buf[1]
		opt.AddrID = &id
	}
	return opt, nil
}

func flagsByte(backup bool) uint8 {
	if backup {
		return 1
	}
	return 0
}

func addrWireBytes(a netip.Addr) []byte {
	if a.Is4In6() {
		a4 := a.As4()
		return a4[:]
	}
	if a.Is4() {
		a4 := a.As4()
		return a4[:]
	}
	a16 := a.As16()
	return a16[:]
}
