package mptcp

import (
	"fmt"
	"net/netip"
)

// SubflowHandle is the live socket handle a SubflowDialer returns: a
// bound, non-blocking-connecting TCP socket. The concrete
// implementation (internal/netio) owns the real file descriptor; this
// package only needs enough surface to attach/detach it from a
// MetaConnection and to force-close it on a DOWN event.
type SubflowHandle interface {
	Close() error
	LocalPort() uint16
}

// SubflowDialer constructs, binds, and connects a new TCP subflow
// socket (spec.md §4.5 steps 2, 6-8). Implementations run in a
// sleepable user context and may block until the connect completes;
// InitSubflow calls Dial while its caller holds the meta lock.
type SubflowDialer interface {
	Dial(family Family, localAddr, remoteAddr netip.Addr, localPort, remotePort uint16) (SubflowHandle, error)
}

// Subflow is an active child TCP connection carrying part of the
// meta-connection's bytestream (glossary: "Subflow"). Tracked by its
// owning MetaConnection so AddressEventReactor (C6) can enumerate and
// force-close subflows bound to a removed local address.
type Subflow struct {
	Meta       *MetaConnection
	Handle     SubflowHandle
	Family     Family
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalPort  uint16
	RemotePort uint16
	RemoteID   uint8
	LowPrio    bool
}

// ReinjectFunc hands a subflow's buffered-but-unacked data back to the
// meta-connection's data-level scheduler before the subflow is closed
// (spec.md §4.6 step 4: "reinject its buffered data into the meta").
// The data-level scheduler itself is out of scope (spec.md §1); this
// package only guarantees the callback runs before Close.
type ReinjectFunc func(s *Subflow)

// InitSubflow implements the C5 SubflowFactory operation of spec.md
// §4.5. The caller must hold meta's lock and must call this from a
// sleepable context (Dial may block; netio.TCPSubflowDialer returns
// only once the connect completes or its timeout expires).
func InitSubflow(meta *MetaConnection, dialer SubflowDialer, local LocalAddress, remote *RemoteAddress, family Family) (*Subflow, error) {
	// Step 1: mark the pairing attempted *before* connecting, so a
	// failed attempt does not retry in a loop.
	remote.Bitfield |= 1 << local.ID

	remotePort := remote.Port
	if remotePort == 0 {
		remotePort = meta.RemotePort
	}

	handle, err := dialer.Dial(family, local.IP, remote.IP, 0, remotePort)
	if err != nil {
		return nil, fmt.Errorf("init subflow %s->%s: %w: %w", local.IP, remote.IP, err, ErrBindFailed)
	}

	sf := &Subflow{
		Meta:       meta,
		Handle:     handle,
		Family:     family,
		LocalAddr:  local.IP,
		RemoteAddr: remote.IP,
		LocalPort:  handle.LocalPort(),
		RemotePort: remotePort,
		RemoteID:   remote.ID,
		LowPrio:    local.LowPrio,
	}

	meta.addSubflow(sf)

	return sf, nil
}

// CloseSubflow force-closes a subflow, running reinject first if
// provided, and unlinks it from its meta-connection (spec.md §4.6
// step 4).
func CloseSubflow(s *Subflow, reinject ReinjectFunc) error {
	if reinject != nil {
		reinject(s)
	}

	s.Meta.mu.Lock()
	s.Meta.removeSubflow(s)
	s.Meta.mu.Unlock()

	if err := s.Handle.Close(); err != nil {
		return fmt.Errorf("close subflow %s: %w", s.LocalAddr, err)
	}
	return nil
}
