package mptcp

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// AddrEventType distinguishes the three OS-level notifications C6
// reacts to (spec.md §4.6: "inetaddr" add/remove and "netdev"
// up/down/change, folded into one enum here since both streams feed
// the same handler).
type AddrEventType uint8

const (
	AddrUp AddrEventType = iota
	AddrDown
	AddrChange
)

func (t AddrEventType) String() string {
	switch t {
	case AddrUp:
		return "UP"
	case AddrDown:
		return "DOWN"
	case AddrChange:
		return "CHANGE"
	default:
		return "UNKNOWN"
	}
}

// RTScope mirrors the Linux routing-scope ordering used by the scope
// rejection rule of spec.md §4.6 step 1 ("reject either family when
// scope > RT_SCOPE_LINK"). Higher values are narrower scopes.
type RTScope uint8

const (
	ScopeUniverse RTScope = 0
	ScopeSite     RTScope = 200
	ScopeLink     RTScope = 253
	ScopeHost     RTScope = 254
	ScopeNowhere  RTScope = 255
)

// AddrEvent is one OS interface/address notification.
type AddrEvent struct {
	Type      AddrEventType
	Family    Family
	IP        netip.Addr
	IfName    string
	IfRunning bool
	// NoMultipath marks an interface administratively excluded from
	// MPTCP path management (spec.md §4.6: "Interfaces marked
	// NO_MULTIPATH are ignored").
	NoMultipath bool
	Scope       RTScope
	// DADTentative is true while an IPv6 address is still undergoing
	// Duplicate Address Detection (spec.md §4.6, §8 S7).
	DADTentative bool
	// Backup reflects the interface's MPBACKUP flag at CHANGE time
	// (spec.md §4.6 step 5).
	Backup bool
}

// rejected implements spec.md §4.6 step 1.
func (e AddrEvent) rejected() bool {
	if e.Family == FamilyV6 {
		if e.IP.IsUnspecified() || e.IP.IsLoopback() || e.IP.IsLinkLocalUnicast() {
			return true
		}
	}
	return e.Scope > ScopeLink
}

// DADRechecker re-checks whether an address is still in DAD-tentative
// state. The re-check delay is the single delay given to
// NewAddressEventReactor, or DefaultDADDelay; it is the same for every
// interface and is not read from the interface's rtr-solicit delay.
type DADRechecker interface {
	StillTentative(ifName string, ip netip.Addr) bool
}

// DefaultDADDelay is used when NewAddressEventReactor is given a
// non-positive delay.
const DefaultDADDelay = 1 * time.Second

// AddressEventReactor (C6) consumes OS interface/address events,
// mutates each subscribed MetaConnection's AddressRegistry, and
// triggers advertisement and subflow creation.
type AddressEventReactor struct {
	mu       sync.Mutex
	metas    map[*MetaConnection]struct{}
	logger   *slog.Logger
	dad      DADRechecker
	dadDelay time.Duration

	// CreateSubflows is invoked after a new local address is
	// registered, standing in for the kernel's create_subflows() path
	// evaluation pass. Optional; nil is a valid no-op for tests.
	CreateSubflows func(meta *MetaConnection, newAddr LocalAddress)

	// SelectAckSubflow picks the subflow used to carry a REMOVE_ADDR
	// ACK (spec.md §4.6 step 4: "select an ack-carrying subflow").
	SelectAckSubflow func(meta *MetaConnection) *Subflow

	// Reinject is invoked for every subflow force-closed by a DOWN
	// event, before the subflow socket is closed.
	Reinject ReinjectFunc
}

// NewAddressEventReactor constructs a reactor. logger may be nil.
func NewAddressEventReactor(dad DADRechecker, dadDelay time.Duration, logger *slog.Logger) *AddressEventReactor {
	if logger == nil {
		logger = slog.Default()
	}
	if dadDelay <= 0 {
		dadDelay = DefaultDADDelay
	}
	return &AddressEventReactor{
		metas:    make(map[*MetaConnection]struct{}),
		logger:   logger.With(slog.String("component", "mptcp.events")),
		dad:      dad,
		dadDelay: dadDelay,
	}
}

// Subscribe registers a MetaConnection to receive future address
// events.
func (r *AddressEventReactor) Subscribe(meta *MetaConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas[meta] = struct{}{}
}

// Unsubscribe removes a MetaConnection, typically on teardown.
func (r *AddressEventReactor) Unsubscribe(meta *MetaConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metas, meta)
}

func (r *AddressEventReactor) subscribers() []*MetaConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MetaConnection, 0, len(r.metas))
	for m := range r.metas {
		out = append(out, m)
	}
	return out
}

// Dispatch handles one event, deferring IPv6 DAD-tentative addresses
// via a timer that re-dispatches as AddrUp once DAD clears (spec.md
// §4.6, §8 S7), and fanning non-deferred events out to every
// subscribed MetaConnection's addr_event_handler.
func (r *AddressEventReactor) Dispatch(ev AddrEvent) {
	if ev.NoMultipath {
		return
	}

	if ev.Family == FamilyV6 && ev.DADTentative && ev.Type != AddrDown {
		r.deferForDAD(ev)
		return
	}

	for _, meta := range r.subscribers() {
		r.handleOne(meta, ev)
	}
}

func (r *AddressEventReactor) deferForDAD(ev AddrEvent) {
	time.AfterFunc(r.dadDelay, func() {
		if r.dad != nil && r.dad.StillTentative(ev.IfName, ev.IP) {
			r.deferForDAD(ev)
			return
		}
		ev.DADTentative = false
		ev.Type = AddrUp
		r.Dispatch(ev)
	})
}

// handleOne implements addr_event_handler(ifa, event) of spec.md §4.6
// for a single MetaConnection.
func (r *AddressEventReactor) handleOne(meta *MetaConnection, ev AddrEvent) {
	if ev.rejected() {
		return
	}

	meta.mu.Lock()
	_, _, found := meta.Registry.FindLocalByIP(ev.Family, ev.IP)
	meta.mu.Unlock()

	switch {
	case !found && (ev.Type == AddrUp || ev.Type == AddrChange) && ev.IfRunning:
		r.handleNotFoundUpOrChange(meta, ev)
	case found && ev.Type == AddrDown:
		r.handleDown(meta, ev)
	case found && ev.Type == AddrChange:
		r.handleChange(meta, ev)
	}
}

// handleNotFoundUpOrChange implements spec.md §4.6 step 3.
func (r *AddressEventReactor) handleNotFoundUpOrChange(meta *MetaConnection, ev AddrEvent) {
	meta.mu.Lock()
	newAddr, err := meta.Registry.AddLocal(ev.Family, ev.IP, false)
	meta.mu.Unlock()
	if err != nil {
		r.logger.Info("local address registry full, dropping UP event",
			slog.String("addr", ev.IP.String()), slog.String("iface", ev.IfName))
		return
	}

	// Advertise the new address with a single ADD_ADDR through the
	// meta's sender. There is no per-subflow pending advertisement
	// bitmap: the ADD_ADDR is sent once per meta, whether or not any
	// subflow exists.
	if meta.Sender != nil {
		_ = meta.Sender.SendAddAddr(meta, AddAddrOption{AddrID: newAddr.ID, Addr: newAddr.IP})
	}

	if r.CreateSubflows != nil {
		r.CreateSubflows(meta, newAddr)
	}
}

// handleDown implements spec.md §4.6 step 4. REMOVE_ADDR carries the
// removed slot's wire ID (address.go: slot for IPv4, slot+MaxAddr for
// IPv6), not its raw registry slot index, so the ID comes from
// RemoveLocalByIP's returned LocalAddress rather than FindLocalByIP's
// slot index.
func (r *AddressEventReactor) handleDown(meta *MetaConnection, ev AddrEvent) {
	for _, sf := range meta.SubflowsBoundToLocal(ev.IP) {
		_ = CloseSubflow(sf, r.Reinject)
	}

	meta.mu.Lock()
	removed, _, _ := meta.Registry.RemoveLocalByIP(ev.Family, ev.IP)
	meta.RemoveAddrs |= 1 << removed.ID
	newLocBits := meta.Registry.LocalBits(ev.Family)
	meta.Registry.ForEachRemote(ev.Family, func(r *RemoteAddress) {
		r.Bitfield &= newLocBits
	})
	meta.mu.Unlock()

	var ackSubflow *Subflow
	if r.SelectAckSubflow != nil {
		ackSubflow = r.SelectAckSubflow(meta)
	}
	if ackSubflow != nil && meta.Sender != nil {
		_ = meta.Sender.SendRemoveAddr(meta, []uint8{removed.ID})
	}
}

// handleChange implements spec.md §4.6 step 5.
func (r *AddressEventReactor) handleChange(meta *MetaConnection, ev AddrEvent) {
	newLowPrio := ev.Backup
	for _, sf := range meta.SubflowsBoundToLocal(ev.IP) {
		if sf.LowPrio != newLowPrio {
			sf.LowPrio = newLowPrio
			if meta.Sender != nil {
				_ = meta.Sender.SendMPPrio(meta, newLowPrio)
			}
		}
	}
}
