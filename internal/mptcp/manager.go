package mptcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// CryptoRandNonceSource draws local_nonce values from crypto/rand,
// matching the teacher's DiscriminatorAllocator's use of crypto/rand
// for collision-resistant 32-bit identifiers.
type CryptoRandNonceSource struct{}

func (CryptoRandNonceSource) Nonce() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("draw nonce: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// MetaSnapshot is a read-only view of a MetaConnection for
// diagnostics/API use, matching the teacher's SessionSnapshot pattern.
type MetaSnapshot struct {
	ID             string
	Family         Family
	LocalAddr      netip.Addr
	RemoteAddr     netip.Addr
	State          ConnState
	PendingCount   int
	SubflowCount   int
}

// Manager owns the set of MetaConnections a single daemon process
// stewards, the global RequestTable, and the AddressEventReactor,
// mirroring the teacher's Manager (sessions map + RWMutex + shared
// allocator/reactor) generalized from one-BFD-session-per-peer to
// one-MetaConnection-per-logical-connection.
type Manager struct {
	mu    sync.RWMutex
	metas map[string]*MetaConnection

	Table    *RequestTable
	Reactor  *AddressEventReactor
	Nonces   NonceSource
	Logger   *slog.Logger
}

// NewManager constructs a Manager with a fresh RequestTable and
// AddressEventReactor.
func NewManager(logger *slog.Logger, dad DADRechecker) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "mptcp.manager"))

	return &Manager{
		metas:   make(map[string]*MetaConnection),
		Table:   NewRequestTable(),
		Reactor: NewAddressEventReactor(dad, DefaultDADDelay, logger),
		Nonces:  CryptoRandNonceSource{},
		Logger:  logger,
	}
}

// ErrMetaExists indicates CreateMeta was called with an ID already
// registered.
var ErrMetaExists = fmt.Errorf("meta-connection already registered")

// CreateMeta registers a new MetaConnection and subscribes it to the
// address-event reactor.
func (m *Manager) CreateMeta(meta *MetaConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.metas[meta.ID]; exists {
		return fmt.Errorf("create meta %s: %w", meta.ID, ErrMetaExists)
	}
	m.metas[meta.ID] = meta
	m.Reactor.Subscribe(meta)

	m.Logger.Info("meta-connection created",
		slog.String("id", meta.ID),
		slog.String("family", meta.Family.String()),
		slog.String("local", meta.LocalAddr.String()),
		slog.String("remote", meta.RemoteAddr.String()),
	)
	return nil
}

// DestroyMeta tears down a MetaConnection: unsubscribes it from
// address events, closes any pending requests, and closes any
// remaining subflows.
func (m *Manager) DestroyMeta(id string) error {
	m.mu.Lock()
	meta, ok := m.metas[id]
	if ok {
		delete(m.metas, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy meta %s: %w", id, ErrNotFound)
	}

	m.Reactor.Unsubscribe(meta)
	meta.Close(m.Table)

	for _, sf := range meta.Subflows() {
		_ = CloseSubflow(sf, nil)
	}

	m.Logger.Info("meta-connection destroyed", slog.String("id", id))
	return nil
}

// Lookup returns the MetaConnection with the given ID.
func (m *Manager) Lookup(id string) (*MetaConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[id]
	return meta, ok
}

// MatchMeta finds the MetaConnection whose local endpoint matches the
// given address and port, for routing an inbound packet parsed off a
// raw socket to the Dispatcher entry point for that meta (the
// raw-socket receive path has no per-meta listening socket to demux
// on, unlike a real kernel TCP stack).
func (m *Manager) MatchMeta(localAddr netip.Addr, localPort uint16) (*MetaConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, meta := range m.metas {
		meta.mu.Lock()
		match := meta.LocalAddr == localAddr && meta.LocalPort == localPort
		meta.mu.Unlock()
		if match {
			return meta, true
		}
	}
	return nil, false
}

// Metas returns a snapshot of every registered MetaConnection.
func (m *Manager) Metas() []MetaSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MetaSnapshot, 0, len(m.metas))
	for _, meta := range m.metas {
		meta.mu.Lock()
		out = append(out, MetaSnapshot{
			ID:           meta.ID,
			Family:       meta.Family,
			LocalAddr:    meta.LocalAddr,
			RemoteAddr:   meta.RemoteAddr,
			State:        meta.State,
			PendingCount: len(meta.requests),
			SubflowCount: len(meta.subflows),
		})
		meta.mu.Unlock()
	}
	return out
}

// NewDispatcher builds a Dispatcher wired to this Manager's
// RequestTable and nonce source; callers still supply the
// family-specific EstablishedLookup/TCPDoRcv/RcvStateProcess
// collaborators, which are out of scope for this package.
func (m *Manager) NewDispatcher(lookup EstablishedLookup, tcpDoRcv TCPDoRcv, rcvState RcvStateProcess) *Dispatcher {
	return &Dispatcher{
		Table:    m.Table,
		Lookup:   lookup,
		Nonces:   m.Nonces,
		TCPDoRcv: tcpDoRcv,
		RcvState: rcvState,
	}
}

// Close tears down every registered MetaConnection.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.metas))
	for id := range m.metas {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.DestroyMeta(id)
	}
}
