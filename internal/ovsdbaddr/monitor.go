// Package ovsdbaddr implements netio.AddressMonitor against an
// Open_vSwitch database instead of NETLINK_ROUTE. Deployments that
// manage addressing through OVS (interfaces whose IP assignment is
// driven by OVSDB external_ids rather than the kernel's own address
// list, e.g. OVN-attached namespaces) wire this monitor in place of
// internal/netio.NetlinkAddressMonitor so C6 still learns about
// address/link changes without polling the kernel directly.
//
// The Interface table's admin_state/link_state columns stand in for
// RTM_NEWLINK's IFF_UP/IFF_RUNNING, and an external_ids convention
// ("mptcp_addr" / "mptcp_low_prio") stands in for RTM_NEWADDR's
// payload, since core OVSDB has no native concept of an L3 address
// owned by an Interface row.
package ovsdbaddr

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/ovn-org/libovsdb/cache"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"

	"github.com/mpath/mpjoind/internal/mptcp"
)

const (
	dbName        = "Open_vSwitch"
	tableName     = "Interface"
	extIDAddrKey  = "mptcp_addr"
	extIDLowPrio  = "mptcp_low_prio"
	linkStateUp   = "up"
	adminStateUp  = "up"
)

// ovsInterface mirrors the Open_vSwitch Interface table columns this
// monitor reads. Field tags follow libovsdb's ORM convention: one Go
// struct per table, one field per column of interest.
type ovsInterface struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	AdminState  *string           `ovsdb:"admin_state"`
	LinkState   *string           `ovsdb:"link_state"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

// Table satisfies libovsdb's model.Model.
func (*ovsInterface) Table() string { return tableName }

// Monitor implements netio.AddressMonitor by watching the Interface
// table of an Open_vSwitch database for rows whose external_ids carry
// an mptcp_addr assignment.
type Monitor struct {
	ovs    client.Client
	events chan mptcp.AddrEvent
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]mptcp.AddrEvent // row UUID -> last emitted state
}

// Config holds connection parameters for the OVSDB-backed monitor.
type Config struct {
	// Endpoint is the OVSDB connection string, e.g.
	// "unix:/var/run/openvswitch/db.sock" or "tcp:127.0.0.1:6640".
	Endpoint string
}

// New connects to the OVSDB server at cfg.Endpoint and returns a
// Monitor ready for Run.
func New(cfg Config, logger *slog.Logger) (*Monitor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("create ovsdb address monitor: empty endpoint")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dbModel, err := model.NewClientDBModel(dbName, map[string]model.Model{tableName: &ovsInterface{}})
	if err != nil {
		return nil, fmt.Errorf("build ovsdb client model: %w", err)
	}

	ovs, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("create ovsdb client for %s: %w", cfg.Endpoint, err)
	}

	mon := &Monitor{
		ovs:    ovs,
		events: make(chan mptcp.AddrEvent, 64),
		logger: logger.With(slog.String("component", "ovsdbaddr"), slog.String("endpoint", cfg.Endpoint)),
		seen:   make(map[string]mptcp.AddrEvent),
	}

	ovs.Cache().AddEventHandler(&cache.EventHandlerFuncs{
		AddFunc:    mon.handleUpdate,
		UpdateFunc: func(_ string, _, new model.Model) { mon.handleUpdate("", new) },
		DeleteFunc: mon.handleDelete,
	})

	return mon, nil
}

// Run connects and monitors the Interface table until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.events)

	if err := m.ovs.Connect(ctx); err != nil {
		return fmt.Errorf("connect to ovsdb: %w", err)
	}
	defer m.ovs.Close()

	if _, err := m.ovs.Monitor(ctx, m.ovs.NewMonitor(client.WithTable(&ovsInterface{}))); err != nil {
		return fmt.Errorf("monitor ovsdb interface table: %w", err)
	}

	m.logger.Info("ovsdb address monitor started")
	<-ctx.Done()
	m.logger.Info("ovsdb address monitor stopped")
	return nil
}

// Events returns the address event channel.
func (m *Monitor) Events() <-chan mptcp.AddrEvent {
	return m.events
}

// Close disconnects from the OVSDB server, unblocking Run.
func (m *Monitor) Close() error {
	m.ovs.Close()
	return nil
}

func (m *Monitor) handleUpdate(_ string, row model.Model) {
	iface, ok := row.(*ovsInterface)
	if !ok {
		return
	}

	addrStr, hasAddr := iface.ExternalIDs[extIDAddrKey]
	if !hasAddr {
		return
	}
	ip, err := netip.ParseAddr(addrStr)
	if err != nil {
		m.logger.Warn("bad mptcp_addr external_id", slog.String("iface", iface.Name), slog.String("value", addrStr))
		return
	}

	family := mptcp.FamilyV4
	if ip.Is6() && !ip.Is4In6() {
		family = mptcp.FamilyV6
	}

	up := iface.AdminState != nil && *iface.AdminState == adminStateUp &&
		iface.LinkState != nil && *iface.LinkState == linkStateUp

	ev := mptcp.AddrEvent{
		Family:    family,
		IP:        ip,
		IfName:    iface.Name,
		IfRunning: up,
		Backup:    iface.ExternalIDs[extIDLowPrio] == "true",
	}
	if up {
		ev.Type = mptcp.AddrUp
	} else {
		ev.Type = mptcp.AddrDown
	}

	m.mu.Lock()
	prev, existed := m.seen[iface.UUID]
	m.seen[iface.UUID] = ev
	m.mu.Unlock()

	if existed && prev == ev {
		return
	}
	m.emit(ev)
}

func (m *Monitor) handleDelete(_ string, row model.Model) {
	iface, ok := row.(*ovsInterface)
	if !ok {
		return
	}

	m.mu.Lock()
	prev, existed := m.seen[iface.UUID]
	delete(m.seen, iface.UUID)
	m.mu.Unlock()

	if !existed {
		return
	}

	prev.Type = mptcp.AddrDown
	prev.IfRunning = false
	m.emit(prev)
}

func (m *Monitor) emit(ev mptcp.AddrEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("address event dropped, channel full", slog.String("addr", ev.IP.String()))
	}
}
