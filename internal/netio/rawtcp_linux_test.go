//go:build linux

package netio

import (
	"net/netip"
	"testing"

	"github.com/mpath/mpjoind/internal/mptcp"
)

func TestBuildTCPHeader_NoOptions(t *testing.T) {
	t.Parallel()

	seg := tcpSegment{
		srcPort: 51000,
		dstPort: 443,
		seq:     12345,
		ackNum:  0,
		flags:   flagSYN | flagACK,
		window:  defaultWindow,
	}
	src := netip.MustParseAddr("203.0.113.1")
	dst := netip.MustParseAddr("198.51.100.1")

	hdr := buildTCPHeader(seg, src, dst, false)
	if len(hdr) != 20 {
		t.Fatalf("len(hdr) = %d, want 20 (no options)", len(hdr))
	}
	if got := uint16(hdr[0])<<8 | uint16(hdr[1]); got != seg.srcPort {
		t.Errorf("srcPort = %d, want %d", got, seg.srcPort)
	}
	if hdr[13] != seg.flags {
		t.Errorf("flags = %#x, want %#x", hdr[13], seg.flags)
	}
	if hdr[12]>>4 != 5 {
		t.Errorf("data offset = %d words, want 5", hdr[12]>>4)
	}
}

func TestBuildTCPHeader_WithMPTCPOption(t *testing.T) {
	t.Parallel()

	seg := tcpSegment{
		srcPort: 51000,
		dstPort: 443,
		flags:   flagACK,
		window:  defaultWindow,
		mptcp:   []byte{0xAA, 0xBB, 0xCC}, // 3-byte suboption payload
	}
	src := netip.MustParseAddr("203.0.113.1")
	dst := netip.MustParseAddr("198.51.100.1")

	hdr := buildTCPHeader(seg, src, dst, false)

	// 20 base + option TLV (kind+len+3 payload = 5 bytes), padded to a
	// multiple of 4 -> 8 bytes of options.
	if len(hdr) != 28 {
		t.Fatalf("len(hdr) = %d, want 28", len(hdr))
	}
	if hdr[12]>>4 != 7 {
		t.Errorf("data offset = %d words, want 7", hdr[12]>>4)
	}
	if hdr[20] != mptcpOptKind {
		t.Errorf("option kind = %d, want %d", hdr[20], mptcpOptKind)
	}
	if hdr[21] != 5 {
		t.Errorf("option length = %d, want 5 (2+payload)", hdr[21])
	}
	if hdr[22] != 0xAA || hdr[23] != 0xBB || hdr[24] != 0xCC {
		t.Errorf("option payload mismatch: %x", hdr[22:25])
	}
}

func TestTCPChecksum_ZeroIsInvalid(t *testing.T) {
	t.Parallel()

	src := netip.MustParseAddr("203.0.113.1")
	dst := netip.MustParseAddr("198.51.100.1")
	seg := tcpSegment{srcPort: 1, dstPort: 2, flags: flagACK, window: defaultWindow}

	hdr := buildTCPHeader(seg, src, dst, false)
	sum := uint16(hdr[16])<<8 | uint16(hdr[17])
	if sum == 0 {
		t.Error("checksum field left at 0, want a computed value")
	}
}

func TestTCPChecksum_V6PseudoHeader(t *testing.T) {
	t.Parallel()

	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::2")
	seg := tcpSegment{srcPort: 1, dstPort: 2, flags: flagACK, window: defaultWindow}

	hdr := buildTCPHeader(seg, src, dst, true)
	if len(hdr) != 20 {
		t.Fatalf("len(hdr) = %d, want 20", len(hdr))
	}
	sum := uint16(hdr[16])<<8 | uint16(hdr[17])
	if sum == 0 {
		t.Error("v6 checksum left at 0, want a computed value")
	}
}

func TestBuildTCPHeader_ResetFlags(t *testing.T) {
	t.Parallel()

	seg := tcpSegment{srcPort: 1, dstPort: 2, flags: flagRST | flagACK}
	hdr := buildTCPHeader(seg, netip.MustParseAddr("203.0.113.1"), netip.MustParseAddr("198.51.100.1"), false)
	if hdr[13] != flagRST|flagACK {
		t.Errorf("flags = %#x, want RST|ACK", hdr[13])
	}
}

func TestParseInboundPacket_JoinSyn(t *testing.T) {
	t.Parallel()

	seg := tcpSegment{
		srcPort: 49152,
		dstPort: 443,
		flags:   flagSYN,
		window:  defaultWindow,
		mptcp:   mptcp.MarshalJoinSyn(mptcp.JoinSynOption{AddrID: 2, Token: 0xAABBCCDD, Nonce: 0x11223344}),
	}
	src := netip.MustParseAddr("203.0.113.1")
	dst := netip.MustParseAddr("198.51.100.1")
	raw := fakeIPv4Packet(t, seg, src, dst)

	pkt, ok := parseInboundPacket(raw, false)
	if !ok {
		t.Fatal("parseInboundPacket returned ok=false")
	}
	if !pkt.IsSYN || pkt.IsACK {
		t.Errorf("IsSYN=%t IsACK=%t, want SYN only", pkt.IsSYN, pkt.IsACK)
	}
	if !pkt.HasJoinMarker {
		t.Fatal("HasJoinMarker = false, want true")
	}
	if pkt.SynOpts.RemoteAddrID != 2 || pkt.SynOpts.RemoteNonce != 0x11223344 {
		t.Errorf("SynOpts = %+v, want AddrID=2 Nonce=0x11223344", pkt.SynOpts)
	}
	if pkt.SrcPort != seg.srcPort || pkt.DstPort != seg.dstPort {
		t.Errorf("ports = %d/%d, want %d/%d", pkt.SrcPort, pkt.DstPort, seg.srcPort, seg.dstPort)
	}
}

func TestParseInboundPacket_JoinFinalAck(t *testing.T) {
	t.Parallel()

	var mac [20]byte
	mac[0] = 0xFF
	seg := tcpSegment{
		srcPort: 49152,
		dstPort: 443,
		flags:   flagACK,
		window:  defaultWindow,
		mptcp:   mptcp.MarshalJoinAck(mptcp.JoinAckOption{MAC: mac}),
	}
	raw := fakeIPv4Packet(t, seg, netip.MustParseAddr("203.0.113.1"), netip.MustParseAddr("198.51.100.1"))

	pkt, ok := parseInboundPacket(raw, false)
	if !ok {
		t.Fatal("parseInboundPacket returned ok=false")
	}
	if !pkt.IsACK || pkt.IsSYN {
		t.Errorf("IsSYN=%t IsACK=%t, want ACK only", pkt.IsSYN, pkt.IsACK)
	}
	if !pkt.HasJoinMarker {
		t.Fatal("HasJoinMarker = false, want true")
	}
	if pkt.AckOpt.MAC != mac {
		t.Errorf("AckOpt.MAC = %x, want %x", pkt.AckOpt.MAC, mac)
	}
}

func TestParseInboundPacket_SynAckLoopbackIgnored(t *testing.T) {
	t.Parallel()

	seg := tcpSegment{
		srcPort: 443,
		dstPort: 49152,
		flags:   flagSYN | flagACK,
		window:  defaultWindow,
		mptcp:   mptcp.MarshalJoinSynAck(mptcp.JoinSynAckOption{AddrID: 1}),
	}
	raw := fakeIPv4Packet(t, seg, netip.MustParseAddr("198.51.100.1"), netip.MustParseAddr("203.0.113.1"))

	pkt, ok := parseInboundPacket(raw, false)
	if !ok {
		t.Fatal("parseInboundPacket returned ok=false")
	}
	if pkt.HasJoinMarker {
		t.Error("HasJoinMarker = true, want false for a locally-originated SYN-ACK loopback")
	}
}

func TestParseInboundPacket_NoOptionsNotJoin(t *testing.T) {
	t.Parallel()

	seg := tcpSegment{srcPort: 1, dstPort: 2, flags: flagACK, window: defaultWindow}
	raw := fakeIPv4Packet(t, seg, netip.MustParseAddr("203.0.113.1"), netip.MustParseAddr("198.51.100.1"))

	pkt, ok := parseInboundPacket(raw, false)
	if !ok {
		t.Fatal("parseInboundPacket returned ok=false")
	}
	if pkt.HasJoinMarker {
		t.Error("HasJoinMarker = true, want false for a plain ACK with no options")
	}
}

func TestFindJoinOption_SkipsNonMPTCPOptions(t *testing.T) {
	t.Parallel()

	// MSS option (kind 2, len 4) followed by NOP-padding, no MPTCP option.
	opts := []byte{2, 4, 0x05, 0xB4, 0x01, 0x01}
	if _, ok := findJoinOption(opts); ok {
		t.Error("findJoinOption found a JOIN option where there is none")
	}
}

// fakeIPv4Packet builds a minimal IPv4+TCP packet (reusing
// buildTCPHeader) for feeding to parseInboundPacket in tests.
func fakeIPv4Packet(t *testing.T, seg tcpSegment, src, dst netip.Addr) []byte {
	t.Helper()
	tcpHdr := buildTCPHeader(seg, src, dst, false)

	ipHdr := make([]byte, 20)
	ipHdr[0] = 0x45
	copy(ipHdr[12:16], src.AsSlice())
	copy(ipHdr[16:20], dst.AsSlice())

	return append(ipHdr, tcpHdr...)
}
