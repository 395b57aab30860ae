package gobgpadapter

import (
	"net/netip"
	"testing"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/types/known/anypb"
)

func TestParseNextHop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		candidates []string
		wantOK     bool
		want       string
	}{
		{name: "valid v4", candidates: []string{"203.0.113.1"}, wantOK: true, want: "203.0.113.1"},
		{name: "valid v6", candidates: []string{"2001:db8::1"}, wantOK: true, want: "2001:db8::1"},
		{name: "skips invalid then takes valid", candidates: []string{"not-an-ip", "198.51.100.1"}, wantOK: true, want: "198.51.100.1"},
		{name: "all invalid", candidates: []string{"not-an-ip", ""}, wantOK: false},
		{name: "empty", candidates: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := parseNextHop(tt.candidates...)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != netip.MustParseAddr(tt.want) {
				t.Errorf("got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextHopFromAttr_NextHopAttribute(t *testing.T) {
	t.Parallel()

	attr, err := anypb.New(&apipb.NextHopAttribute{NextHop: "203.0.113.9"})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}

	got, ok := nextHopFromAttr(attr)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got != netip.MustParseAddr("203.0.113.9") {
		t.Errorf("got = %v, want 203.0.113.9", got)
	}
}

func TestNextHopFromAttr_MpReachNLRI(t *testing.T) {
	t.Parallel()

	attr, err := anypb.New(&apipb.MpReachNLRIAttribute{NextHops: []string{"2001:db8::fe"}})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}

	got, ok := nextHopFromAttr(attr)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got != netip.MustParseAddr("2001:db8::fe") {
		t.Errorf("got = %v, want 2001:db8::fe", got)
	}
}

func TestNextHopFromAttr_UnrelatedAttribute(t *testing.T) {
	t.Parallel()

	attr, err := anypb.New(&apipb.OriginAttribute{Origin: 0})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}

	if _, ok := nextHopFromAttr(attr); ok {
		t.Error("expected ok=false for an attribute with no next hop")
	}
}

func TestBestPathNextHop_PicksBestOnly(t *testing.T) {
	t.Parallel()

	nonBest, err := anypb.New(&apipb.NextHopAttribute{NextHop: "203.0.113.254"})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}
	best, err := anypb.New(&apipb.NextHopAttribute{NextHop: "203.0.113.1"})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}

	paths := []*apipb.Path{
		{Best: false, Pattrs: []*anypb.Any{nonBest}},
		{Best: true, Pattrs: []*anypb.Any{best}},
	}

	got, ok := bestPathNextHop(paths)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got != netip.MustParseAddr("203.0.113.1") {
		t.Errorf("got = %v, want the best path's next hop 203.0.113.1", got)
	}
}

func TestBestPathNextHop_NoBestPath(t *testing.T) {
	t.Parallel()

	attr, err := anypb.New(&apipb.NextHopAttribute{NextHop: "203.0.113.1"})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}

	paths := []*apipb.Path{{Best: false, Pattrs: []*anypb.Any{attr}}}

	if _, ok := bestPathNextHop(paths); ok {
		t.Error("expected ok=false when no path is marked best")
	}
}
