//go:build linux

package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mpath/mpjoind/internal/mptcp"
)

// TCPSubflowDialer implements mptcp.SubflowDialer (C5, spec.md §4.5) by
// binding a TCP socket to the chosen local subflow address and issuing
// a connect to the peer's advertised address.
//
// Go's net.Dialer drives the connect through the runtime netpoller,
// but Dial blocks its caller until the connect completes or the
// dialer's timeout expires; it does not return while the connect is
// still in progress. The Control callback below layers
// on the socket options a real subflow needs: SO_REUSEADDR so the
// same local address can carry many subflows to distinct peers, and
// IP_BIND_ADDRESS_NO_PORT so the kernel defers ephemeral port
// selection until connect(2), avoiding exhaustion when one local
// address originates many subflows (RFC 8684 §3.1 allows a host to
// open arbitrarily many subflows from one address).
type TCPSubflowDialer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// DialerOption configures optional TCPSubflowDialer parameters.
type DialerOption func(*TCPSubflowDialer)

// WithDialTimeout overrides the default 5-second connect timeout.
func WithDialTimeout(d time.Duration) DialerOption {
	return func(t *TCPSubflowDialer) {
		t.timeout = d
	}
}

// NewTCPSubflowDialer creates a SubflowDialer. logger may be nil.
func NewTCPSubflowDialer(logger *slog.Logger, opts ...DialerOption) *TCPSubflowDialer {
	if logger == nil {
		logger = slog.Default()
	}

	d := &TCPSubflowDialer{
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "netio.subflow")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial binds localAddr:localPort (0 for an OS-assigned ephemeral port)
// and connects to remoteAddr:remotePort. Satisfies mptcp.SubflowDialer.
func (d *TCPSubflowDialer) Dial(
	family mptcp.Family,
	localAddr, remoteAddr netip.Addr,
	localPort, remotePort uint16,
) (mptcp.SubflowHandle, error) {
	network := "tcp4"
	if family == mptcp.FamilyV6 {
		network = "tcp6"
	}

	dialer := &net.Dialer{
		Timeout:   d.timeout,
		LocalAddr: &net.TCPAddr{IP: net.IP(localAddr.AsSlice()), Port: int(localPort)},
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSubflowSockOpts(c, family == mptcp.FamilyV6)
		},
	}

	raddr := net.JoinHostPort(remoteAddr.String(), fmt.Sprintf("%d", remotePort))

	conn, err := dialer.DialContext(context.Background(), network, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial subflow %s->%s: %w", localAddr, remoteAddr, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		closeErr := conn.Close()
		return nil, fmt.Errorf("dial subflow %s->%s: %w: %w", localAddr, remoteAddr, ErrUnexpectedConnType, closeErr)
	}

	d.logger.Debug("subflow dialed",
		slog.String("local", localAddr.String()),
		slog.String("remote", remoteAddr.String()),
	)

	return &tcpSubflowHandle{conn: tcpConn}, nil
}

// setSubflowSockOpts configures socket options for a subflow TCP socket
// before connect(2) runs.
func setSubflowSockOpts(c syscall.RawConn, isIPv6 bool) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)

		if e := unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", e)
			return
		}

		level := unix.IPPROTO_IP
		if isIPv6 {
			level = unix.IPPROTO_IPV6
		}
		if e := unix.SetsockoptInt(intFD, level, unix.IP_BIND_ADDRESS_NO_PORT, 1); e != nil {
			// Not fatal: older kernels lack this option. The dialer
			// still works, just with earlier ephemeral-port binding.
			sockErr = nil
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

// tcpSubflowHandle adapts *net.TCPConn to mptcp.SubflowHandle.
type tcpSubflowHandle struct {
	mu     sync.Mutex
	closed bool
	conn   *net.TCPConn
}

// Close closes the underlying TCP connection.
func (h *tcpSubflowHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("close subflow socket: %w", err)
	}
	return nil
}

// LocalPort returns the ephemeral port the kernel assigned at connect
// time (or the caller-supplied port, when non-zero).
func (h *tcpSubflowHandle) LocalPort() uint16 {
	addr, ok := h.conn.LocalAddr().(*net.TCPAddr)
	if !ok || addr == nil {
		return 0
	}
	//nolint:gosec // G115: TCP ports are always in [0, 65535].
	return uint16(addr.Port)
}
