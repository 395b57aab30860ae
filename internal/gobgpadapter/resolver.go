// Package gobgpadapter implements mptcp.RouteResolver by querying
// GoBGP's global RIB over its gRPC API. It is the mixed-family JOIN
// promotion path's answer to spec.md §4.4 step (i): when a JOIN arrives
// in a family the MetaConnection was not established in, the next hop
// toward the remote address must be resolved independently of the
// existing same-family 5-tuple, and GoBGP is the routing daemon this
// deployment already runs.
package gobgpadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/mpath/mpjoind/internal/mptcp"
)

// Sentinel errors for the gobgpadapter package.
var (
	// ErrDialFailed indicates the gRPC dial to GoBGP failed.
	ErrDialFailed = errors.New("gobgp gRPC dial failed")

	// ErrClosed indicates the resolver has already been closed.
	ErrClosed = errors.New("gobgp route resolver is closed")
)

// RouteResolver implements mptcp.RouteResolver against a running GoBGP
// instance's global RIB. It satisfies the narrow Resolve contract by
// listing the matching AFI/SAFI table and returning the best path's
// next hop for the longest matching prefix.
type RouteResolver struct {
	conn   *grpc.ClientConn
	api    apipb.GobgpApiClient
	logger *slog.Logger

	lookupTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// Config holds connection parameters for the GoBGP-backed resolver.
type Config struct {
	// Addr is the GoBGP gRPC listen address (e.g., "127.0.0.1:50051").
	Addr string

	// LookupTimeout bounds each ListPath RPC. Zero selects a 2s default.
	LookupTimeout time.Duration
}

// New dials GoBGP's gRPC API and returns a ready RouteResolver.
//
// The connection uses insecure credentials: GoBGP's API is expected on
// a private/localhost listener.
func New(cfg Config, logger *slog.Logger) (*RouteResolver, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("create gobgp route resolver: %w: empty address", ErrDialFailed)
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := grpc.NewClient(
		cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial gobgp at %s: %w: %w", cfg.Addr, ErrDialFailed, err)
	}

	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &RouteResolver{
		conn:          conn,
		api:           apipb.NewGobgpApiClient(conn),
		logger:        logger.With(slog.String("component", "gobgpadapter")),
		lookupTimeout: timeout,
	}, nil
}

// Close releases the underlying gRPC connection.
func (r *RouteResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("close gobgp route resolver: %w", err)
	}
	return nil
}

// Resolve implements mptcp.RouteResolver. It lists GoBGP's global RIB
// for dst's address family and returns the best path's next hop for
// the longest prefix match covering dst. A lookup failure, a closed
// resolver, or no covering route all report ok=false — the caller
// (MixedFamilyChildSocketBuilder) treats that as "promotion not
// possible right now" rather than a fatal error.
func (r *RouteResolver) Resolve(family mptcp.Family, dst netip.Addr) (netip.Addr, bool) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return netip.Addr{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.lookupTimeout)
	defer cancel()

	afi := apipb.Family_AFI_IP
	if family == mptcp.FamilyV6 {
		afi = apipb.Family_AFI_IP6
	}

	stream, err := r.api.ListPath(ctx, &apipb.ListPathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    &apipb.Family{Afi: afi, Safi: apipb.Family_SAFI_UNICAST},
	})
	if err != nil {
		r.logger.Warn("list path failed", slog.String("error", err.Error()))
		return netip.Addr{}, false
	}

	var (
		bestHop    netip.Addr
		bestPfxLen = -1
	)

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			r.logger.Warn("list path recv failed", slog.String("error", recvErr.Error()))
			break
		}
		if resp.GetDestination() == nil {
			continue
		}

		prefix, err := netip.ParsePrefix(resp.GetDestination().GetPrefix())
		if err != nil || !prefix.Contains(dst) {
			continue
		}
		if prefix.Bits() <= bestPfxLen {
			continue
		}

		hop, ok := bestPathNextHop(resp.GetDestination().GetPaths())
		if !ok {
			continue
		}

		bestHop = hop
		bestPfxLen = prefix.Bits()
	}

	if bestPfxLen < 0 {
		return netip.Addr{}, false
	}
	return bestHop, true
}

func bestPathNextHop(paths []*apipb.Path) (netip.Addr, bool) {
	for _, p := range paths {
		if !p.GetBest() {
			continue
		}
		for _, attr := range p.GetPattrs() {
			hop, ok := nextHopFromAttr(attr)
			if ok {
				return hop, true
			}
		}
	}
	return netip.Addr{}, false
}

func nextHopFromAttr(attr *anypb.Any) (netip.Addr, bool) {
	msg, err := attr.UnmarshalNew()
	if err != nil {
		return netip.Addr{}, false
	}

	switch m := msg.(type) {
	case *apipb.NextHopAttribute:
		return parseNextHop(m.GetNextHop())
	case *apipb.MpReachNLRIAttribute:
		return parseNextHop(m.GetNextHops()...)
	}
	return netip.Addr{}, false
}

func parseNextHop(candidates ...string) (netip.Addr, bool) {
	for _, c := range candidates {
		if addr, err := netip.ParseAddr(c); err == nil {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
