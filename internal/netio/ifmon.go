package netio

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/mpath/mpjoind/internal/mptcp"
)

// -------------------------------------------------------------------------
// Address Monitor — interface/address state change detection (C6 adapter)
// -------------------------------------------------------------------------

// AddressMonitor watches for network interface and address state
// changes and emits mptcp.AddrEvent values for AddressEventReactor.Dispatch
// (spec.md §4.6).
//
// Implementations may use NETLINK_ROUTE (Linux) or polling as the
// underlying mechanism. The interface is kept minimal so the daemon
// can react to link/address events without depending on a specific OS
// mechanism.
//
// Usage:
//
//	mon, err := netio.NewNetlinkAddressMonitor(logger, nil, nil)
//	if err != nil {
//	    return err
//	}
//	events := mon.Events()
//	go func() {
//	    for ev := range events {
//	        reactor.Dispatch(ev)
//	    }
//	}()
//	mon.Run(ctx) // blocks until ctx is cancelled
type AddressMonitor interface {
	// Run starts monitoring interface/address state changes. It blocks
	// until ctx is cancelled. Detected events are sent to the channel
	// returned by Events(). Run must be called at most once.
	Run(ctx context.Context) error

	// Events returns a read-only channel that receives address events.
	// The channel is created at construction time and is closed when
	// Run returns. Callers should drain the channel after Run completes.
	Events() <-chan mptcp.AddrEvent

	// Close releases any resources held by the monitor. If Run is
	// still active, the caller should cancel the context first.
	Close() error
}

// -------------------------------------------------------------------------
// StubAddressMonitor — no-op implementation
// -------------------------------------------------------------------------

// StubAddressMonitor is a no-op implementation of AddressMonitor that
// never emits events. It is used in tests and on platforms without a
// NetlinkAddressMonitor build.
type StubAddressMonitor struct {
	events chan mptcp.AddrEvent
	logger *slog.Logger
}

// NewStubAddressMonitor creates a no-op address monitor.
func NewStubAddressMonitor(logger *slog.Logger) *StubAddressMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubAddressMonitor{
		events: make(chan mptcp.AddrEvent, 16),
		logger: logger.With(slog.String("component", "ifmon.stub")),
	}
}

// Run blocks until ctx is cancelled, then closes the events channel.
func (m *StubAddressMonitor) Run(ctx context.Context) error {
	m.logger.Info("stub address monitor started (no-op)")
	<-ctx.Done()
	close(m.events)
	m.logger.Info("stub address monitor stopped")
	return nil
}

// Events returns the (always empty) event channel.
func (m *StubAddressMonitor) Events() <-chan mptcp.AddrEvent {
	return m.events
}

// Close is a no-op for the stub monitor.
func (m *StubAddressMonitor) Close() error {
	return nil
}

// -------------------------------------------------------------------------
// StaticDADRechecker — fallback mptcp.DADRechecker
// -------------------------------------------------------------------------

// StaticDADRechecker implements mptcp.DADRechecker from a manually
// maintained set, for platforms or tests where no NetlinkAddressMonitor
// is tracking live IFA_F_TENTATIVE state.
type StaticDADRechecker struct {
	mu        sync.Mutex
	tentative map[string]bool
}

// NewStaticDADRechecker creates an empty recheck table; every address
// is reported as no-longer-tentative until marked otherwise.
func NewStaticDADRechecker() *StaticDADRechecker {
	return &StaticDADRechecker{tentative: make(map[string]bool)}
}

// MarkTentative records whether ifName/ip is currently DAD-tentative.
func (d *StaticDADRechecker) MarkTentative(ifName string, ip netip.Addr, tentative bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tentative[dadKey(ifName, ip)] = tentative
}

// StillTentative satisfies mptcp.DADRechecker.
func (d *StaticDADRechecker) StillTentative(ifName string, ip netip.Addr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tentative[dadKey(ifName, ip)]
}

func dadKey(ifName string, ip netip.Addr) string {
	return ifName + "|" + ip.String()
}
