//go:build linux

package netio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mpath/mpjoind/internal/mptcp"
)

// -------------------------------------------------------------------------
// NetlinkAddressMonitor — real RTM_NEWADDR/RTM_NEWLINK event source
// -------------------------------------------------------------------------

// rtattr header sizes and netlink ABI constants (linux/rtnetlink.h,
// linux/if_addr.h). Hardcoded rather than sourced from the unix
// package since the kernel wire format is a stable ABI and several of
// these TLV type numbers are not re-exported there.
const (
	nlmsgHdrLen  = 16 // struct nlmsghdr
	ifAddrMsgLen = 8  // struct ifaddrmsg
	ifInfoMsgLen = 16 // struct ifinfomsg
	rtaAlign     = 4
	rtaHdrLen    = 4 // struct rtattr

	ifaAddress = 1
	ifaLocal   = 2
	ifaLabel   = 3
	ifaFlags   = 8

	ifaFTentative = 0x40 // IFA_F_TENTATIVE, linux/if_addr.h

	rtmNewLink = 16
	rtmDelLink = 17
	rtmNewAddr = 20
	rtmDelAddr = 21
	nlmsgDone  = 3

	rtmGrpLink        = 0x1
	rtmGrpIPv4IfAddr  = 0x10
	rtmGrpIPv6IfAddr  = 0x100
)

// NetlinkAddressMonitor implements AddressMonitor using an AF_NETLINK
// (NETLINK_ROUTE) socket subscribed to the link and address multicast
// groups. It doubles as an mptcp.DADRechecker: IFA_F_TENTATIVE state
// observed on RTM_NEWADDR messages is cached and consulted by
// StillTentative.
//
// NO_MULTIPATH marking and MP_BACKUP priority are not exposed by
// RTM_NEWLINK/RTM_NEWADDR — the kernel's MPTCP path-manager flags live
// in a separate genetlink family. Both are instead declared by the
// caller (exclude, lowPrio) at construction time.
type NetlinkAddressMonitor struct {
	fd        int
	events    chan mptcp.AddrEvent
	logger    *slog.Logger
	exclude   map[string]bool
	lowPrio   map[string]bool

	mu        sync.Mutex
	linkUp    map[int]bool
	addrsByIf map[int]map[netip.Addr]mptcp.Family
	tentative map[string]bool
	closeOnce sync.Once
}

// NewNetlinkAddressMonitor opens and binds the netlink socket. exclude
// and lowPrio name interfaces that are administratively NO_MULTIPATH
// or MP_BACKUP respectively; either may be nil.
func NewNetlinkAddressMonitor(logger *slog.Logger, exclude, lowPrio map[string]bool) (*NetlinkAddressMonitor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("open netlink socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: rtmGrpLink | rtmGrpIPv4IfAddr | rtmGrpIPv6IfAddr,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind netlink socket: %w", err)
	}

	if exclude == nil {
		exclude = map[string]bool{}
	}
	if lowPrio == nil {
		lowPrio = map[string]bool{}
	}

	return &NetlinkAddressMonitor{
		fd:        fd,
		events:    make(chan mptcp.AddrEvent, 64),
		logger:    logger.With(slog.String("component", "ifmon.netlink")),
		exclude:   exclude,
		lowPrio:   lowPrio,
		linkUp:    make(map[int]bool),
		addrsByIf: make(map[int]map[netip.Addr]mptcp.Family),
		tentative: make(map[string]bool),
	}, nil
}

// Run reads netlink messages until ctx is cancelled, emitting
// mptcp.AddrEvent values on Events(). Closing ctx unblocks the read by
// closing the socket.
func (m *NetlinkAddressMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	buf := make([]byte, 8192)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("netlink recv: %w", err)
		}
		m.parseMessages(buf[:n])
	}
}

// Events returns the address event channel.
func (m *NetlinkAddressMonitor) Events() <-chan mptcp.AddrEvent {
	return m.events
}

// Close closes the underlying netlink socket, unblocking Run.
func (m *NetlinkAddressMonitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = unix.Close(m.fd)
	})
	if err != nil {
		return fmt.Errorf("close netlink socket: %w", err)
	}
	return nil
}

// StillTentative satisfies mptcp.DADRechecker from cached IFA_FLAGS
// state observed on the most recent RTM_NEWADDR for ifName/ip.
func (m *NetlinkAddressMonitor) StillTentative(ifName string, ip netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tentative[dadKey(ifName, ip)]
}

// -------------------------------------------------------------------------
// Message parsing
// -------------------------------------------------------------------------

func (m *NetlinkAddressMonitor) parseMessages(buf []byte) {
	for len(buf) >= nlmsgHdrLen {
		msgLen := binary.NativeEndian.Uint32(buf[0:4])
		msgType := binary.NativeEndian.Uint16(buf[4:6])
		if msgLen < nlmsgHdrLen || int(msgLen) > len(buf) {
			return
		}

		body := buf[nlmsgHdrLen:msgLen]

		switch msgType {
		case rtmNewLink, rtmDelLink:
			m.handleLinkMsg(body, msgType == rtmNewLink)
		case rtmNewAddr, rtmDelAddr:
			m.handleAddrMsg(body, msgType == rtmNewAddr)
		case nlmsgDone:
			return
		}

		// Align to the next message per NLMSG_ALIGN (4-byte boundary).
		aligned := (int(msgLen) + rtaAlign - 1) &^ (rtaAlign - 1)
		if aligned >= len(buf) {
			return
		}
		buf = buf[aligned:]
	}
}

func (m *NetlinkAddressMonitor) handleLinkMsg(body []byte, isNew bool) {
	if len(body) < ifInfoMsgLen {
		return
	}
	index := int(binary.NativeEndian.Uint32(body[4:8]))
	flags := binary.NativeEndian.Uint32(body[8:12])

	up := isNew && flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0

	m.mu.Lock()
	wasUp := m.linkUp[index]
	m.linkUp[index] = up
	addrs := make(map[netip.Addr]mptcp.Family, len(m.addrsByIf[index]))
	for ip, fam := range m.addrsByIf[index] {
		addrs[ip] = fam
	}
	m.mu.Unlock()

	if up == wasUp {
		return
	}

	ifName := m.resolveIfName(index)
	if m.exclude[ifName] {
		return
	}

	for ip, fam := range addrs {
		ev := mptcp.AddrEvent{
			Type:      mptcp.AddrDown,
			Family:    fam,
			IP:        ip,
			IfName:    ifName,
			IfRunning: up,
		}
		if up {
			ev.Type = mptcp.AddrUp
		}
		m.emit(ev)
	}
}

func (m *NetlinkAddressMonitor) handleAddrMsg(body []byte, isNew bool) {
	if len(body) < ifAddrMsgLen {
		return
	}

	family := body[0]
	prefixFlags := body[2]
	scope := body[3]
	index := int(binary.NativeEndian.Uint32(body[4:8]))

	var fam mptcp.Family
	switch family {
	case unix.AF_INET:
		fam = mptcp.FamilyV4
	case unix.AF_INET6:
		fam = mptcp.FamilyV6
	default:
		return
	}

	var ip netip.Addr
	tentative := prefixFlags&ifaFTentative != 0
	label := ""

	for _, attr := range parseRtAttrs(body[ifAddrMsgLen:]) {
		switch attr.attrType {
		case ifaAddress, ifaLocal:
			if parsed, ok := addrFromBytes(attr.data, fam); ok {
				ip = parsed
			}
		case ifaLabel:
			label = cString(attr.data)
		case ifaFlags:
			if len(attr.data) >= 4 {
				extFlags := binary.NativeEndian.Uint32(attr.data)
				tentative = extFlags&ifaFTentative != 0
			}
		}
	}

	if !ip.IsValid() {
		return
	}

	ifName := label
	if ifName == "" {
		ifName = m.resolveIfName(index)
	}
	if m.exclude[ifName] {
		return
	}

	m.mu.Lock()
	m.tentative[dadKey(ifName, ip)] = tentative
	if isNew {
		if m.addrsByIf[index] == nil {
			m.addrsByIf[index] = make(map[netip.Addr]mptcp.Family)
		}
		m.addrsByIf[index][ip] = fam
	} else {
		delete(m.addrsByIf[index], ip)
	}
	ifRunning := m.linkUp[index]
	m.mu.Unlock()

	ev := mptcp.AddrEvent{
		Family:       fam,
		IP:           ip,
		IfName:       ifName,
		IfRunning:    ifRunning,
		Scope:        mptcp.RTScope(scope),
		DADTentative: tentative,
		Backup:       m.lowPrio[ifName],
	}
	if isNew {
		ev.Type = mptcp.AddrUp
	} else {
		ev.Type = mptcp.AddrDown
	}

	m.emit(ev)
}

func (m *NetlinkAddressMonitor) emit(ev mptcp.AddrEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("address event dropped, channel full",
			slog.String("addr", ev.IP.String()), slog.String("type", ev.Type.String()))
	}
}

func (m *NetlinkAddressMonitor) resolveIfName(index int) string {
	iface, err := net.InterfaceByIndex(index)
	if err != nil {
		return ""
	}
	return iface.Name
}

// -------------------------------------------------------------------------
// rtattr TLV parsing
// -------------------------------------------------------------------------

type rtAttr struct {
	attrType uint16
	data     []byte
}

func parseRtAttrs(buf []byte) []rtAttr {
	var attrs []rtAttr
	for len(buf) >= rtaHdrLen {
		attrLen := binary.NativeEndian.Uint16(buf[0:2])
		attrType := binary.NativeEndian.Uint16(buf[2:4])
		if attrLen < rtaHdrLen || int(attrLen) > len(buf) {
			return attrs
		}

		attrs = append(attrs, rtAttr{
			attrType: attrType,
			data:     buf[rtaHdrLen:attrLen],
		})

		aligned := (int(attrLen) + rtaAlign - 1) &^ (rtaAlign - 1)
		if aligned >= len(buf) {
			return attrs
		}
		buf = buf[aligned:]
	}
	return attrs
}

func addrFromBytes(b []byte, fam mptcp.Family) (netip.Addr, bool) {
	switch fam {
	case mptcp.FamilyV4:
		if len(b) < 4 {
			return netip.Addr{}, false
		}
		var a [4]byte
		copy(a[:], b[:4])
		return netip.AddrFrom4(a), true
	case mptcp.FamilyV6:
		if len(b) < 16 {
			return netip.Addr{}, false
		}
		var a [16]byte
		copy(a[:], b[:16])
		return netip.AddrFrom16(a), true
	default:
		return netip.Addr{}, false
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
