//go:build linux

package netio

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mpath/mpjoind/internal/mptcp"
)

// mptcpOptKind is the TCP option kind IANA assigned to MPTCP (RFC 8684
// §3). internal/mptcp/packet.go marshals only the suboption payload
// and explicitly leaves this outer TLV to the caller.
const mptcpOptKind = 30

// RawTCPSender implements mptcp.PacketSender over a pair of raw TCP
// sockets, one per family; the IPv4 socket sets IP_HDRINCL, and for
// IPv6 the kernel builds the IP header. It owns no TCP connection state of its
// own: each Send* call crafts and transmits a single self-contained
// segment built from the fields the mptcp package already tracks
// (RequestState.Syn.SntISN stands in for a real initial sequence
// number the same way it already does for the out-of-scope TCP engine
// internal/mptcp/join.go describes). Retransmission, real sequence
// tracking, and congestion control remain that out-of-scope engine's
// job; RawTCPSender only gets one crafted segment onto the wire.
type RawTCPSender struct {
	mu   sync.Mutex
	v4fd int
	v6fd int
}

// NewRawTCPSender opens the raw sockets RawTCPSender needs. Opening an
// IP_HDRINCL raw socket requires CAP_NET_RAW.
func NewRawTCPSender() (*RawTCPSender, error) {
	v4fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("open ipv4 raw tcp socket: %w", err)
	}
	if err := unix.SetsockoptInt(v4fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(v4fd)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}

	v6fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		unix.Close(v4fd)
		return nil, fmt.Errorf("open ipv6 raw tcp socket: %w", err)
	}

	return &RawTCPSender{v4fd: v4fd, v6fd: v6fd}, nil
}

// Close releases both raw sockets.
func (s *RawTCPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errV4 := unix.Close(s.v4fd)
	errV6 := unix.Close(s.v6fd)
	if errV4 != nil {
		return fmt.Errorf("close ipv4 raw socket: %w", errV4)
	}
	if errV6 != nil {
		return fmt.Errorf("close ipv6 raw socket: %w", errV6)
	}
	return nil
}

// SendSynAck implements mptcp.PacketSender.
func (s *RawTCPSender) SendSynAck(req *mptcp.RequestState, opt mptcp.JoinSynAckOption) error {
	seg := tcpSegment{
		srcPort: req.LocPort,
		dstPort: req.RmtPort,
		seq:     req.Syn.SntISN,
		ackNum:  0, // stand-in: real ack number belongs to the out-of-scope TCP engine
		flags:   flagSYN | flagACK,
		window:  defaultWindow,
		mptcp:   mptcp.MarshalJoinSynAck(opt),
	}
	return s.send(req.Family, req.LocAddr, req.RmtAddr, seg)
}

// SendReset implements mptcp.PacketSender.
func (s *RawTCPSender) SendReset(family mptcp.Family, local, remote netip.Addr, localPort, remotePort uint16) error {
	seg := tcpSegment{
		srcPort: localPort,
		dstPort: remotePort,
		flags:   flagRST | flagACK,
		window:  0,
	}
	return s.send(family, local, remote, seg)
}

// SendAddAddr implements mptcp.PacketSender.
func (s *RawTCPSender) SendAddAddr(meta *mptcp.MetaConnection, opt mptcp.AddAddrOption) error {
	meta.Lock()
	defer meta.Unlock()

	seg := tcpSegment{
		srcPort: meta.LocalPort,
		dstPort: meta.RemotePort,
		flags:   flagACK,
		window:  defaultWindow,
		mptcp:   mptcp.MarshalAddAddr(opt),
	}
	return s.send(meta.Family, meta.LocalAddr, meta.RemoteAddr, seg)
}

// SendRemoveAddr implements mptcp.PacketSender.
func (s *RawTCPSender) SendRemoveAddr(meta *mptcp.MetaConnection, ids []uint8) error {
	meta.Lock()
	defer meta.Unlock()

	seg := tcpSegment{
		srcPort: meta.LocalPort,
		dstPort: meta.RemotePort,
		flags:   flagACK,
		window:  defaultWindow,
		mptcp:   mptcp.MarshalRemoveAddr(mptcp.RemoveAddrOption{IDs: ids}),
	}
	return s.send(meta.Family, meta.LocalAddr, meta.RemoteAddr, seg)
}

// SendMPPrio implements mptcp.PacketSender.
func (s *RawTCPSender) SendMPPrio(meta *mptcp.MetaConnection, backup bool) error {
	meta.Lock()
	defer meta.Unlock()

	seg := tcpSegment{
		srcPort: meta.LocalPort,
		dstPort: meta.RemotePort,
		flags:   flagACK,
		window:  defaultWindow,
		mptcp:   mptcp.MarshalMPPrio(mptcp.MPPrioOption{Backup: backup}),
	}
	return s.send(meta.Family, meta.LocalAddr, meta.RemoteAddr, seg)
}

const (
	flagRST uint8 = 1 << 2
	flagACK uint8 = 1 << 4
	flagSYN uint8 = 1 << 1

	defaultWindow uint16 = 65535
)

type tcpSegment struct {
	srcPort, dstPort uint16
	seq, ackNum      uint32
	flags            uint8
	window           uint16
	mptcp            []byte // marshaled MPTCP suboption payload, excluding kind/length
}

func (s *RawTCPSender) send(family mptcp.Family, src, dst netip.Addr, seg tcpSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if family == mptcp.FamilyV6 {
		return s.sendV6(src, dst, seg)
	}
	return s.sendV4(src, dst, seg)
}

func (s *RawTCPSender) sendV4(src, dst netip.Addr, seg tcpSegment) error {
	tcpBuf := buildTCPHeader(seg, src, dst, false)

	ipHdr := make([]byte, 20)
	ipHdr[0] = 0x45 // version 4, IHL 5
	totalLen := uint16(len(ipHdr) + len(tcpBuf))
	binary.BigEndian.PutUint16(ipHdr[2:4], totalLen)
	ipHdr[8] = 64 // TTL
	ipHdr[9] = unix.IPPROTO_TCP
	copy(ipHdr[12:16], src.AsSlice())
	copy(ipHdr[16:20], dst.AsSlice())
	binary.BigEndian.PutUint16(ipHdr[10:12], ipv4HeaderChecksum(ipHdr))

	pkt := append(ipHdr, tcpBuf...)

	var addr unix.SockaddrInet4
	addr.Addr = dst.As4()
	if err := unix.Sendto(s.v4fd, pkt, 0, &addr); err != nil {
		return fmt.Errorf("sendto %s: %w", dst, err)
	}
	return nil
}

func (s *RawTCPSender) sendV6(src, dst netip.Addr, seg tcpSegment) error {
	tcpBuf := buildTCPHeader(seg, src, dst, true)

	var addr unix.SockaddrInet6
	addr.Addr = dst.As16()
	if err := unix.Sendto(s.v6fd, tcpBuf, 0, &addr); err != nil {
		return fmt.Errorf("sendto %s: %w", dst, err)
	}
	return nil
}

// buildTCPHeader builds a TCP header plus options plus the MPTCP
// suboption TLV (kind 30, the outer framing internal/mptcp/packet.go
// leaves to its caller), with the checksum computed over the
// pseudo-header per RFC 793/RFC 8200.
func buildTCPHeader(seg tcpSegment, src, dst netip.Addr, isV6 bool) []byte {
	var opts []byte
	if len(seg.mptcp) > 0 {
		opts = append(opts, mptcpOptKind, byte(2+len(seg.mptcp)))
		opts = append(opts, seg.mptcp...)
		for len(opts)%4 != 0 {
			opts = append(opts, 0x01) // TCP NOP padding
		}
	}

	dataOffsetWords := uint8(5 + len(opts)/4)
	hdr := make([]byte, 20+len(opts))
	binary.BigEndian.PutUint16(hdr[0:2], seg.srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], seg.dstPort)
	binary.BigEndian.PutUint32(hdr[4:8], seg.seq)
	binary.BigEndian.PutUint32(hdr[8:12], seg.ackNum)
	hdr[12] = dataOffsetWords << 4
	hdr[13] = seg.flags
	binary.BigEndian.PutUint16(hdr[14:16], seg.window)
	copy(hdr[20:], opts)

	binary.BigEndian.PutUint16(hdr[16:18], tcpChecksum(hdr, src, dst, isV6))
	return hdr
}

// tcpChecksum computes the TCP checksum over a pseudo-header (RFC 793
// §3.1 for IPv4, RFC 8200 §8.1 for IPv6) followed by the TCP segment,
// reusing the RFC 1071 fold-and-complement arithmetic of
// ipv4HeaderChecksum.
func tcpChecksum(tcpHdr []byte, src, dst netip.Addr, isV6 bool) uint16 {
	var pseudo []byte
	if isV6 {
		pseudo = make([]byte, 40)
		copy(pseudo[0:16], src.As16())
		sl := dst.As16()
		copy(pseudo[16:32], sl[:])
		binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(tcpHdr)))
		pseudo[39] = unix.IPPROTO_TCP
	} else {
		pseudo = make([]byte, 12)
		copy(pseudo[0:4], src.AsSlice())
		copy(pseudo[4:8], dst.AsSlice())
		pseudo[9] = unix.IPPROTO_TCP
		binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpHdr)))
	}

	buf := append(pseudo, tcpHdr...)
	// Checksum field (bytes 16:18 of the TCP header) must be zero
	// going in; it already is since buildTCPHeader zero-values hdr.
	return ipv4HeaderChecksum(buf)
}

var _ mptcp.PacketSender = (*RawTCPSender)(nil)

// RawTCPReceiver reads inbound TCP segments off a per-family pair of
// raw TCP sockets like the ones RawTCPSender writes to, parses the 4-tuple
// and MP_JOIN-related fields Dispatcher needs into an
// mptcp.InboundPacket, and hands each one to a caller-supplied
// callback. Like RawTCPSender, it owns no TCP connection state: it
// does not track sequence numbers, reassemble segments, or maintain
// an established-connection table — those remain the out-of-scope TCP
// engine's job per internal/mptcp/dispatch.go's own
// EstablishedLookup/TCPDoRcv/RcvStateProcess collaborator types. It
// only recognizes enough of the segment to classify it as a JOIN SYN,
// JOIN SYN-ACK, JOIN final-ACK, or "something else" and forward the
// classification.
type RawTCPReceiver struct {
	v4fd int
	v6fd int
}

// NewRawTCPReceiver opens the raw sockets RawTCPReceiver reads from.
func NewRawTCPReceiver() (*RawTCPReceiver, error) {
	v4fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("open ipv4 raw tcp socket: %w", err)
	}

	v6fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		unix.Close(v4fd)
		return nil, fmt.Errorf("open ipv6 raw tcp socket: %w", err)
	}

	return &RawTCPReceiver{v4fd: v4fd, v6fd: v6fd}, nil
}

// Close releases both raw sockets, unblocking any in-flight Run calls.
func (r *RawTCPReceiver) Close() error {
	errV4 := unix.Close(r.v4fd)
	errV6 := unix.Close(r.v6fd)
	if errV4 != nil {
		return fmt.Errorf("close ipv4 raw socket: %w", errV4)
	}
	if errV6 != nil {
		return fmt.Errorf("close ipv6 raw socket: %w", errV6)
	}
	return nil
}

// Run reads both raw sockets until ctx is done or Close is called,
// parsing each segment and invoking onPacket. A parse error for one
// segment is dropped rather than treated as fatal — malformed or
// irrelevant traffic (any non-MPTCP TCP segment the raw socket also
// receives, since IPPROTO_TCP raw sockets see all TCP traffic on the
// host) is expected and common.
func (r *RawTCPReceiver) Run(ctx context.Context, onPacket func(mptcp.InboundPacket)) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = r.Close()
		close(done)
	}()

	go r.readLoop(r.v4fd, false, onPacket)
	r.readLoop(r.v6fd, true, onPacket)
	<-done
	return nil
}

func (r *RawTCPReceiver) readLoop(fd int, isV6 bool, onPacket func(mptcp.InboundPacket)) {
	buf := make([]byte, 65535)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return // socket closed (Close/ctx done) or fatal; either way, stop this loop
		}
		pkt, ok := parseInboundPacket(buf[:n], isV6)
		if !ok {
			continue
		}
		onPacket(pkt)
	}
}

// parseInboundPacket decodes an IPv4 (header included by the kernel)
// or IPv6 (header stripped by the kernel on an IPPROTO_TCP socket, the
// mirror image of sendV6's kernel-filled-header simplification) TCP
// segment into an mptcp.InboundPacket.
func parseInboundPacket(raw []byte, isV6 bool) (mptcp.InboundPacket, bool) {
	var (
		src, dst netip.Addr
		tcpHdr   []byte
	)

	if isV6 {
		if len(raw) < 20 {
			return mptcp.InboundPacket{}, false
		}
		tcpHdr = raw
		// The receiver has no route to the peer's source address for
		// an IPv6 raw socket without IPV6_RECVPKTINFO; callers match
		// purely on local port, same simplification as sendV6.
		src = netip.Addr{}
		dst = netip.Addr{}
	} else {
		if len(raw) < 20 {
			return mptcp.InboundPacket{}, false
		}
		ihl := int(raw[0]&0x0f) * 4
		if len(raw) < ihl+20 {
			return mptcp.InboundPacket{}, false
		}
		srcA, ok := netip.AddrFromSlice(raw[12:16])
		if !ok {
			return mptcp.InboundPacket{}, false
		}
		dstA, ok := netip.AddrFromSlice(raw[16:20])
		if !ok {
			return mptcp.InboundPacket{}, false
		}
		src, dst = srcA, dstA
		tcpHdr = raw[ihl:]
	}

	if len(tcpHdr) < 20 {
		return mptcp.InboundPacket{}, false
	}

	pkt := mptcp.InboundPacket{
		Family:       mptcp.FamilyV4,
		SrcAddr:      src,
		DstAddr:      dst,
		SrcPort:      binary.BigEndian.Uint16(tcpHdr[0:2]),
		DstPort:      binary.BigEndian.Uint16(tcpHdr[2:4]),
		HasValidAuth: true, // TCP MD5SIG verification is out of scope; see join.go's own HasValidAuth doc.
	}
	if isV6 {
		pkt.Family = mptcp.FamilyV6
	}

	flags := tcpHdr[13]
	pkt.IsSYN = flags&flagSYN != 0 && flags&flagACK == 0
	isSynAck := flags&flagSYN != 0 && flags&flagACK != 0
	pkt.IsACK = flags&flagACK != 0 && flags&flagSYN == 0

	dataOffset := int(tcpHdr[12]>>4) * 4
	if dataOffset < 20 || len(tcpHdr) < dataOffset {
		return pkt, true // no options to parse, still a valid non-JOIN segment
	}

	join, ok := findJoinOption(tcpHdr[20:dataOffset])
	if !ok {
		return pkt, true
	}
	pkt.HasJoinMarker = true

	switch {
	case pkt.IsSYN:
		opt, err := mptcp.UnmarshalJoinSyn(join)
		if err != nil {
			return pkt, true
		}
		pkt.SynOpts = mptcp.ParsedJoinOpts{RemoteNonce: opt.Nonce, RemoteAddrID: opt.AddrID, Backup: opt.Backup}
	case isSynAck:
		// A SYN-ACK carrying MP_JOIN is this daemon's own reply
		// looping back to the raw socket (IPPROTO_TCP raw sockets see
		// locally-originated traffic too); nothing to dispatch.
		pkt.HasJoinMarker = false
	case pkt.IsACK:
		opt, err := mptcp.UnmarshalJoinAck(join)
		if err != nil {
			return pkt, true
		}
		pkt.AckOpt = opt
	}

	return pkt, true
}

// findJoinOption scans TCP options for the MPTCP option (kind 30)
// carrying an MP_JOIN suboption (subtype 1 in its high nibble) and
// returns its payload, sans the kind/length/subtype-flags bytes.
func findJoinOption(opts []byte) ([]byte, bool) {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case 0x00: // end of options
			return nil, false
		case 0x01: // NOP
			i++
			continue
		default:
			if i+1 >= len(opts) {
				return nil, false
			}
			kind, length := opts[i], int(opts[i+1])
			if length < 2 || i+length > len(opts) {
				return nil, false
			}
			if kind == mptcpOptKind && length > 2 {
				payload := opts[i+2 : i+length]
				if len(payload) > 0 && payload[0]>>4 == mptcp.SubtypeJoin {
					return payload[1:], true
				}
			}
			i += length
		}
	}
	return nil, false
}
