package mptcp

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // RFC 6824-family MP_JOIN mandates SHA-1 HMAC; not a choice made here.
	"encoding/binary"
)

// HandshakeCrypto (C2): truncated_mac(local_key, remote_key,
// local_nonce, remote_nonce) -> u64, per spec.md §4.2.
//
// Defined as HMAC-SHA1 with a 16-byte key formed by concatenating the
// two 8-byte keys in the order (local_key || remote_key), over an
// 8-byte message formed by concatenating the two 4-byte nonces
// (local_nonce || remote_nonce), truncated to the first 8 bytes of the
// 20-byte digest. Keys and nonces are encoded big-endian: the wire
// format is network-byte-order-significant, matching the reference
// kernel implementation's raw integer layout.
//
// TruncatedMAC has no failure modes; key derivation correctness is the
// caller's responsibility (spec.md §4.2).
func TruncatedMAC(localKey, remoteKey uint64, localNonce, remoteNonce uint32) [8]byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], localKey)
	binary.BigEndian.PutUint64(key[8:16], remoteKey)

	var msg [8]byte
	binary.BigEndian.PutUint32(msg[0:4], localNonce)
	binary.BigEndian.PutUint32(msg[4:8], remoteNonce)

	mac := hmac.New(sha1.New, key[:])
	mac.Write(msg[:])
	digest := mac.Sum(nil)

	var out [8]byte
	copy(out[:], digest[:8])
	return out
}

// FullMAC computes the full 20-byte HMAC-SHA1 used to validate the
// MP_JOIN ACK's Mac field (spec.md §6: "MP_JOIN ACK carries: local
// full MAC (20 bytes)").
func FullMAC(localKey, remoteKey uint64, localNonce, remoteNonce uint32) [20]byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], localKey)
	binary.BigEndian.PutUint64(key[8:16], remoteKey)

	var msg [8]byte
	binary.BigEndian.PutUint32(msg[0:4], localNonce)
	binary.BigEndian.PutUint32(msg[4:8], remoteNonce)

	mac := hmac.New(sha1.New, key[:])
	mac.Write(msg[:])

	var out [20]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// ResponderMAC computes the truncated MAC-B a JOIN responder places in
// its SYN-ACK: keys and nonces combined in local-then-remote order,
// where "local" is the responder's own meta-connection.
//
// ResponderMAC and InitiatorMAC are named separately, rather than left
// as a single ambiguous TruncatedMAC call, because spec.md §9 notes
// the kernel source computes this MAC using the local socket's keys
// and nonces "in an order specific to the responder role" that an
// initiator must swap: making the asymmetry a named function instead
// of an implicit argument order keeps the two roles from being
// accidentally interchanged at a call site.
func ResponderMAC(responderKey, initiatorKey uint64, responderNonce, initiatorNonce uint32) [8]byte {
	return TruncatedMAC(responderKey, initiatorKey, responderNonce, initiatorNonce)
}

// InitiatorMAC computes the MAC an initiator verifies a responder's
// SYN-ACK against: the same inputs as ResponderMAC, from the
// initiator's point of view, which by construction is the identical
// truncated_mac call with the role swapped at the argument level so
// both sides compute a matching value. Cross-tested in crypto_test.go
// (invariant 5: MAC symmetry).
func InitiatorMAC(responderKey, initiatorKey uint64, responderNonce, initiatorNonce uint32) [8]byte {
	return ResponderMAC(responderKey, initiatorKey, responderNonce, initiatorNonce)
}
