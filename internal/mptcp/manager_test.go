package mptcp

import (
	"errors"
	"net/netip"
	"testing"
)

func TestManager_CreateLookupDestroyMeta(t *testing.T) {
	m := NewManager(nil, nil)
	meta, _ := newTestMeta(1, 2)
	meta.ID = "conn-1"

	if err := m.CreateMeta(meta); err != nil {
		t.Fatalf("CreateMeta: %v", err)
	}

	got, ok := m.Lookup("conn-1")
	if !ok || got != meta {
		t.Fatal("expected Lookup to find the created meta")
	}

	if err := m.CreateMeta(meta); !errors.Is(err, ErrMetaExists) {
		t.Fatalf("want ErrMetaExists, got %v", err)
	}

	if err := m.DestroyMeta("conn-1"); err != nil {
		t.Fatalf("DestroyMeta: %v", err)
	}
	if _, ok := m.Lookup("conn-1"); ok {
		t.Fatal("expected meta gone after DestroyMeta")
	}
	if meta.State != StateClose {
		t.Fatal("expected meta transitioned to StateClose")
	}
}

func TestManager_DestroyMetaUnknownID(t *testing.T) {
	m := NewManager(nil, nil)
	if err := m.DestroyMeta("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestManager_DestroyMetaClosesPendingRequestsAndSubflows(t *testing.T) {
	m := NewManager(nil, nil)
	meta, _ := newTestMeta(0x1111111111111111, 0x2222222222222222)
	meta.ID = "conn-2"
	if err := m.CreateMeta(meta); err != nil {
		t.Fatal(err)
	}

	pkt := InboundSynPacket{Family: FamilyV4, SrcAddr: netip.MustParseAddr("10.0.0.2"), SrcPort: 49152, DstAddr: meta.LocalAddr, HasValidAuth: true}
	if _, err := OnJoinSynFast(meta, m.Table, pkt, ParsedJoinOpts{}, fixedNonceSource{n: 1}); err != nil {
		t.Fatal(err)
	}

	local, err := meta.Registry.AddLocal(FamilyV4, netip.MustParseAddr("192.168.1.5"), false)
	if err != nil {
		t.Fatal(err)
	}
	_, err = InitSubflow(meta, fakeDialer{port: 1}, local, &RemoteAddress{ID: 9, IP: netip.MustParseAddr("10.0.0.3")}, FamilyV4)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.DestroyMeta("conn-2"); err != nil {
		t.Fatal(err)
	}

	if len(meta.PendingRequests()) != 0 {
		t.Fatal("expected pending requests destroyed on meta teardown")
	}
	if len(meta.Subflows()) != 0 {
		t.Fatal("expected subflows closed on meta teardown")
	}
	if m.Table.Len() != 0 {
		t.Fatal("expected global RequestTable drained of this meta's requests")
	}
}

func TestManager_MetasSnapshot(t *testing.T) {
	m := NewManager(nil, nil)
	meta, _ := newTestMeta(1, 2)
	meta.ID = "conn-3"
	if err := m.CreateMeta(meta); err != nil {
		t.Fatal(err)
	}

	snaps := m.Metas()
	if len(snaps) != 1 || snaps[0].ID != "conn-3" {
		t.Fatalf("unexpected snapshot: %+v", snaps)
	}
}

func TestManager_CloseTearsDownEverything(t *testing.T) {
	m := NewManager(nil, nil)
	for i, id := range []string{"a", "b", "c"} {
		meta, _ := newTestMeta(uint64(i)+1, uint64(i)+2)
		meta.ID = id
		if err := m.CreateMeta(meta); err != nil {
			t.Fatal(err)
		}
	}

	m.Close()

	if len(m.Metas()) != 0 {
		t.Fatal("expected no metas remaining after Close")
	}
}

func TestCryptoRandNonceSource_ProducesValues(t *testing.T) {
	var src CryptoRandNonceSource
	n1, err := src.Nonce()
	if err != nil {
		t.Fatal(err)
	}
	n2, err := src.Nonce()
	if err != nil {
		t.Fatal(err)
	}
	if n1 == 0 && n2 == 0 {
		t.Fatal("expected at least one non-zero draw across two samples")
	}
}
