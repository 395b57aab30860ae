package mptcp

import (
	"net/netip"
	"testing"
	"time"
)

// stillTentativeOnce reports tentative exactly once per address, then
// clears — letting TestDispatch_DADDeferral observe a bounded
// re-check loop instead of spinning forever.
type stillTentativeOnce struct {
	asked map[netip.Addr]bool
}

func (d *stillTentativeOnce) StillTentative(ifName string, ip netip.Addr) bool {
	if d.asked == nil {
		d.asked = make(map[netip.Addr]bool)
	}
	wasTentative := !d.asked[ip]
	d.asked[ip] = true
	return wasTentative
}

func TestDispatch_NewLocalAddressUpRegistersAndAdvertises(t *testing.T) {
	meta, sender := newTestMeta(1, 2)
	reactor := NewAddressEventReactor(nil, time.Millisecond, nil)
	reactor.Subscribe(meta)

	reactor.Dispatch(AddrEvent{
		Type:      AddrUp,
		Family:    FamilyV4,
		IP:        netip.MustParseAddr("192.168.1.5"),
		IfName:    "eth1",
		IfRunning: true,
		Scope:     ScopeUniverse,
	})

	if _, _, found := meta.Registry.FindLocalByIP(FamilyV4, netip.MustParseAddr("192.168.1.5")); !found {
		t.Fatal("expected new local address registered")
	}
	if len(sender.addAddrs) != 1 {
		t.Fatalf("want 1 ADD_ADDR sent, got %d", len(sender.addAddrs))
	}
}

func TestDispatch_NoMultipathInterfaceIgnored(t *testing.T) {
	meta, sender := newTestMeta(1, 2)
	reactor := NewAddressEventReactor(nil, time.Millisecond, nil)
	reactor.Subscribe(meta)

	reactor.Dispatch(AddrEvent{
		Type: AddrUp, Family: FamilyV4, IP: netip.MustParseAddr("192.168.1.5"),
		IfRunning: true, NoMultipath: true,
	})

	if _, _, found := meta.Registry.FindLocalByIP(FamilyV4, netip.MustParseAddr("192.168.1.5")); found {
		t.Fatal("expected NO_MULTIPATH interface to be ignored entirely")
	}
	if len(sender.addAddrs) != 0 {
		t.Fatal("expected no advertisement for a NO_MULTIPATH interface")
	}
}

func TestDispatch_ScopeBeyondLinkRejected(t *testing.T) {
	meta, _ := newTestMeta(1, 2)
	reactor := NewAddressEventReactor(nil, time.Millisecond, nil)
	reactor.Subscribe(meta)

	reactor.Dispatch(AddrEvent{
		Type: AddrUp, Family: FamilyV4, IP: netip.MustParseAddr("192.168.1.5"),
		IfRunning: true, Scope: ScopeHost,
	})

	if _, _, found := meta.Registry.FindLocalByIP(FamilyV4, netip.MustParseAddr("192.168.1.5")); found {
		t.Fatal("expected scope > RT_SCOPE_LINK to be rejected")
	}
}

func TestDispatch_V6LinkLocalRejected(t *testing.T) {
	meta, _ := newTestMeta(1, 2)
	reactor := NewAddressEventReactor(nil, time.Millisecond, nil)
	reactor.Subscribe(meta)

	reactor.Dispatch(AddrEvent{
		Type: AddrUp, Family: FamilyV6, IP: netip.MustParseAddr("fe80::1"),
		IfRunning: true,
	})

	if _, _, found := meta.Registry.FindLocalByIP(FamilyV6, netip.MustParseAddr("fe80::1")); found {
		t.Fatal("expected v6 link-local address to be rejected")
	}
}

// TestDispatch_DownClosesBoundSubflowsAndMasksBitfields is scenario
// S5: an interface DOWN event force-closes subflows bound to the
// removed local address and ANDs remote per-local bitfields against
// the surviving local presence mask.
func TestDispatch_DownClosesBoundSubflowsAndMasksBitfields(t *testing.T) {
	meta, sender := newTestMeta(1, 2)
	reactor := NewAddressEventReactor(nil, time.Millisecond, nil)
	reactor.Subscribe(meta)

	local, err := meta.Registry.AddLocal(FamilyV4, netip.MustParseAddr("192.168.1.5"), false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := meta.Registry.AddRemote(FamilyV4, netip.MustParseAddr("10.0.0.9"), 0, 1); err != nil {
		t.Fatal(err)
	}

	var remote *RemoteAddress
	meta.Registry.ForEachRemote(FamilyV4, func(r *RemoteAddress) { remote = r })
	sf, err := InitSubflow(meta, fakeDialer{port: 1}, local, remote, FamilyV4)
	if err != nil {
		t.Fatal(err)
	}

	var ackSelected bool
	reactor.SelectAckSubflow = func(m *MetaConnection) *Subflow { ackSelected = true; return sf }

	var reinjected bool
	reactor.Reinject = func(s *Subflow) { reinjected = true }

	reactor.Dispatch(AddrEvent{Type: AddrDown, Family: FamilyV4, IP: local.IP, IfRunning: true})

	if !reinjected {
		t.Fatal("expected reinject invoked before closing the bound subflow")
	}
	if len(meta.Subflows()) != 0 {
		t.Fatal("expected bound subflow force-closed")
	}
	if _, _, found := meta.Registry.FindLocalByIP(FamilyV4, local.IP); found {
		t.Fatal("expected local address removed from the registry")
	}
	if !ackSelected {
		t.Fatal("expected an ack-carrying subflow to be selected")
	}
	if len(sender.removeAddrs) != 1 {
		t.Fatalf("want 1 REMOVE_ADDR sent, got %d", len(sender.removeAddrs))
	}
	if len(sender.removeAddrs[0]) != 1 || sender.removeAddrs[0][0] != local.ID {
		t.Fatalf("want REMOVE_ADDR carrying wire ID %d, got %v", local.ID, sender.removeAddrs[0])
	}

	var remaining uint16
	meta.Registry.ForEachRemote(FamilyV4, func(r *RemoteAddress) { remaining = r.Bitfield })
	if remaining&(1<<local.ID) != 0 {
		t.Fatal("expected remote bitfield masked after local address removal")
	}
}

// TestDispatch_DownV6AdvertisesWireIDNotSlot covers the case flagged by
// review: an IPv6 local address's wire ID is slot+MaxAddr
// (address.go), so REMOVE_ADDR must carry that offset ID rather than
// the raw registry slot index.
func TestDispatch_DownV6AdvertisesWireIDNotSlot(t *testing.T) {
	meta, sender := newTestMeta(1, 2)
	reactor := NewAddressEventReactor(nil, time.Millisecond, nil)
	reactor.Subscribe(meta)

	local, err := meta.Registry.AddLocal(FamilyV6, netip.MustParseAddr("2001:db8::5"), false)
	if err != nil {
		t.Fatal(err)
	}
	if local.ID < MaxAddr {
		t.Fatalf("expected v6 wire ID offset by MaxAddr, got %d", local.ID)
	}

	reactor.SelectAckSubflow = func(m *MetaConnection) *Subflow { return &Subflow{} }

	reactor.Dispatch(AddrEvent{Type: AddrDown, Family: FamilyV6, IP: local.IP, IfRunning: true})

	if len(sender.removeAddrs) != 1 {
		t.Fatalf("want 1 REMOVE_ADDR sent, got %d", len(sender.removeAddrs))
	}
	if len(sender.removeAddrs[0]) != 1 || sender.removeAddrs[0][0] != local.ID {
		t.Fatalf("want REMOVE_ADDR carrying wire ID %d, got %v", local.ID, sender.removeAddrs[0])
	}
}

func TestDispatch_ChangeFlipsLowPrioAndSendsMPPrio(t *testing.T) {
	meta, sender := newTestMeta(1, 2)
	reactor := NewAddressEventReactor(nil, time.Millisecond, nil)
	reactor.Subscribe(meta)

	local, err := meta.Registry.AddLocal(FamilyV4, netip.MustParseAddr("192.168.1.5"), false)
	if err != nil {
		t.Fatal(err)
	}
	sf, err := InitSubflow(meta, fakeDialer{port: 1}, local, &RemoteAddress{ID: 1, IP: netip.MustParseAddr("10.0.0.9")}, FamilyV4)
	if err != nil {
		t.Fatal(err)
	}

	reactor.Dispatch(AddrEvent{Type: AddrChange, Family: FamilyV4, IP: local.IP, IfRunning: true, Backup: true})

	if !sf.LowPrio {
		t.Fatal("expected subflow LowPrio flipped to true")
	}
	if len(sender.mpPrios) != 1 || !sender.mpPrios[0] {
		t.Fatalf("want 1 MP_PRIO(backup=true) sent, got %v", sender.mpPrios)
	}
}

// TestDispatch_DADDeferral is scenario S7: a tentative v6 UP event is
// deferred and re-dispatched as AddrUp once DAD clears.
func TestDispatch_DADDeferral(t *testing.T) {
	meta, _ := newTestMeta(1, 2)
	dad := &stillTentativeOnce{}
	reactor := NewAddressEventReactor(dad, 10*time.Millisecond, nil)
	reactor.Subscribe(meta)

	reactor.Dispatch(AddrEvent{
		Type: AddrUp, Family: FamilyV6, IP: netip.MustParseAddr("2001:db8::5"),
		IfName: "eth0", IfRunning: true, DADTentative: true,
	})

	if _, _, found := meta.Registry.FindLocalByIP(FamilyV6, netip.MustParseAddr("2001:db8::5")); found {
		t.Fatal("expected tentative address not yet registered")
	}

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if _, _, found := meta.Registry.FindLocalByIP(FamilyV6, netip.MustParseAddr("2001:db8::5")); found {
				return
			}
		case <-deadline:
			t.Fatal("expected address eventually registered once DAD clears")
		}
	}
}
