package mptcp

import (
	"errors"
	"net/netip"
	"testing"
)

func TestAddRemote_NewSlot(t *testing.T) {
	r := NewAddressRegistry()

	res, err := r.AddRemote(FamilyV4, netip.MustParseAddr("10.0.0.2"), 49152, 2)
	if err != nil {
		t.Fatalf("AddRemote: %v", err)
	}
	if res != AddOk {
		t.Fatalf("want AddOk, got %v", res)
	}
	if err := r.CheckSlotBitInvariant(); err != nil {
		t.Fatal(err)
	}
}

// TestAddRemote_DuplicateCoalesced is scenario S2: a repeated JOIN
// from the same (id, addr, port) leaves the registry unchanged.
func TestAddRemote_DuplicateCoalesced(t *testing.T) {
	r := NewAddressRegistry()
	addr := netip.MustParseAddr("10.0.0.2")

	if _, err := r.AddRemote(FamilyV4, addr, 0, 2); err != nil {
		t.Fatal(err)
	}
	res, err := r.AddRemote(FamilyV4, addr, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != AddOkDuplicate {
		t.Fatalf("want AddOkDuplicate, got %v", res)
	}
}

// TestAddRemote_NATRewrite is scenario S3.
func TestAddRemote_NATRewrite(t *testing.T) {
	r := NewAddressRegistry()
	if _, err := r.AddRemote(FamilyV4, netip.MustParseAddr("10.0.0.2"), 0, 2); err != nil {
		t.Fatal(err)
	}

	res, err := r.AddRemote(FamilyV4, netip.MustParseAddr("10.0.0.99"), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != AddOkUpdatedNAT {
		t.Fatalf("want AddOkUpdatedNAT, got %v", res)
	}

	var found bool
	r.ForEachRemote(FamilyV4, func(slot *RemoteAddress) {
		if slot.ID == 2 {
			found = true
			if slot.IP.String() != "10.0.0.99" {
				t.Fatalf("expected updated IP 10.0.0.99, got %s", slot.IP)
			}
		}
	})
	if !found {
		t.Fatal("slot with id=2 not found after NAT rewrite")
	}
}

// TestAddRemote_Full is scenario S4.
func TestAddRemote_Full(t *testing.T) {
	r := NewAddressRegistry()

	for i := range uint8(MaxAddr) {
		ip := netip.AddrFrom4([4]byte{10, 0, 0, i + 1})
		if _, err := r.AddRemote(FamilyV4, ip, 0, i); err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
	}

	_, err := r.AddRemote(FamilyV4, netip.MustParseAddr("10.0.1.1"), 0, 17)
	if !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("want ErrRegistryFull, got %v", err)
	}
}

func TestRemoveRemote_NotFound(t *testing.T) {
	r := NewAddressRegistry()
	err := r.RemoveRemote(FamilyV4, 5)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAddLocal_WireIDEncoding(t *testing.T) {
	r := NewAddressRegistry()

	v4, err := r.AddLocal(FamilyV4, netip.MustParseAddr("192.168.1.5"), false)
	if err != nil {
		t.Fatal(err)
	}
	if v4.ID != 1 {
		t.Fatalf("want first v4 slot id=1 (id 0 reserved), got %d", v4.ID)
	}

	v6, err := r.AddLocal(FamilyV6, netip.MustParseAddr("2001:db8::1"), false)
	if err != nil {
		t.Fatal(err)
	}
	if v6.ID != MaxAddr {
		t.Fatalf("want first v6 slot id=%d, got %d", MaxAddr, v6.ID)
	}
}

// TestAddLocal_NextIndexAvoidsReuse checks the monotonic next_v_index
// hint: removing the first-assigned slot and adding a new address does
// not reuse that slot immediately, since nextIdx has already advanced
// past it.
func TestAddLocal_NextIndexAvoidsReuse(t *testing.T) {
	r := NewAddressRegistry()

	a, _ := r.AddLocal(FamilyV4, netip.MustParseAddr("10.0.0.1"), false)
	b, _ := r.AddLocal(FamilyV4, netip.MustParseAddr("10.0.0.2"), false)

	if _, _, ok := r.RemoveLocalByIP(FamilyV4, a.IP); !ok {
		t.Fatal("expected removal to succeed")
	}

	c, err := r.AddLocal(FamilyV4, netip.MustParseAddr("10.0.0.3"), false)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == a.ID {
		t.Fatalf("expected vacated slot %d not to be reused immediately, got %d", a.ID, c.ID)
	}
	if c.ID <= b.ID {
		t.Fatalf("expected monotonic advance past %d, got %d", b.ID, c.ID)
	}
}

func TestSetInitAddrBit(t *testing.T) {
	r := NewAddressRegistry()
	dst := netip.MustParseAddr("203.0.113.1")
	if _, err := r.AddRemote(FamilyV4, dst, 443, 0); err != nil {
		t.Fatal(err)
	}

	r.SetInitAddrBit(FamilyV4, dst)

	var bitfield uint16
	r.ForEachRemote(FamilyV4, func(slot *RemoteAddress) {
		if slot.IP == dst {
			bitfield = slot.Bitfield
		}
	})
	if bitfield&1 == 0 {
		t.Fatal("expected bit 0 set on initial destination slot")
	}
}
