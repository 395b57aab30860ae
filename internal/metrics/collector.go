package mptcpmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "mpjoind"
	subsystem = "mptcp"
)

// Label names for MPTCP metrics.
const (
	labelRemoteAddr = "remote_addr"
	labelLocalAddr  = "local_addr"
	labelFamily     = "family"
	labelFromState  = "from_state"
	labelToState    = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus MPTCP Metrics
// -------------------------------------------------------------------------

// Collector holds all MPTCP Prometheus metrics.
//
// Metrics are designed for production path-manager monitoring:
//   - MetaConnections/ActiveRequests/Subflows gauges track live state.
//   - JOIN counters track handshake attempt/accept/reject volumes.
//   - RequestTransitions counts RequestState FSM changes for alerting.
//   - AuthFailures and RegistryFullDrops flag security/capacity issues.
type Collector struct {
	// MetaConnections tracks the number of currently registered
	// MetaConnections.
	MetaConnections *prometheus.GaugeVec

	// ActiveRequests tracks the number of currently pending (half-open)
	// JOIN requests.
	ActiveRequests *prometheus.GaugeVec

	// ActiveSubflows tracks the number of currently established
	// subflows per meta-connection.
	ActiveSubflows *prometheus.GaugeVec

	// JoinAttempts counts inbound MP_JOIN SYNs observed per remote
	// address, regardless of outcome.
	JoinAttempts *prometheus.CounterVec

	// JoinAccepted counts JOIN requests promoted to a child socket on
	// final-ACK MAC match (spec.md §4.4).
	JoinAccepted *prometheus.CounterVec

	// JoinRejected counts JOIN requests destroyed before promotion
	// (timeout, reset, meta close, send failure).
	JoinRejected *prometheus.CounterVec

	// RequestTransitions counts RequestState FSM state transitions,
	// labeled with the old and new state for precise alerting.
	RequestTransitions *prometheus.CounterVec

	// AuthFailures counts MAC verification failures on a SYN-ACK or
	// final-ACK (spec.md §4.2/§4.4).
	AuthFailures *prometheus.CounterVec

	// RegistryFullDrops counts AddressRegistry operations rejected with
	// ErrRegistryFull (spec.md §4.1 invariant 2: MaxAddr capacity).
	RegistryFullDrops *prometheus.CounterVec

	// AdvertisementsSent counts ADD_ADDR/REMOVE_ADDR/MP_PRIO options
	// transmitted by the address-event reactor (spec.md §4.6).
	AdvertisementsSent *prometheus.CounterVec
}

// NewCollector creates a Collector with all MPTCP metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "mpjoind_mptcp_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.MetaConnections,
		c.ActiveRequests,
		c.ActiveSubflows,
		c.JoinAttempts,
		c.JoinAccepted,
		c.JoinRejected,
		c.RequestTransitions,
		c.AuthFailures,
		c.RegistryFullDrops,
		c.AdvertisementsSent,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	metaLabels := []string{labelLocalAddr, labelFamily}
	remoteLabels := []string{labelRemoteAddr, labelLocalAddr}
	transitionLabels := []string{labelFromState, labelToState}
	advertLabels := []string{labelLocalAddr, "kind"}

	return &Collector{
		MetaConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "meta_connections",
			Help:      "Number of currently registered MPTCP meta-connections.",
		}, metaLabels),

		ActiveRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_requests",
			Help:      "Number of currently pending (half-open) JOIN requests.",
		}, metaLabels),

		ActiveSubflows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_subflows",
			Help:      "Number of currently established subflows.",
		}, metaLabels),

		JoinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "join_attempts_total",
			Help:      "Total inbound MP_JOIN SYNs observed.",
		}, remoteLabels),

		JoinAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "join_accepted_total",
			Help:      "Total JOIN requests promoted to a child subflow socket.",
		}, remoteLabels),

		JoinRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "join_rejected_total",
			Help:      "Total JOIN requests destroyed before promotion.",
		}, remoteLabels),

		RequestTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_transitions_total",
			Help:      "Total RequestState FSM state transitions.",
		}, transitionLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total MP_JOIN MAC verification failures.",
		}, remoteLabels),

		RegistryFullDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registry_full_drops_total",
			Help:      "Total AddressRegistry operations rejected at MaxAddr capacity.",
		}, metaLabels),

		AdvertisementsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "advertisements_sent_total",
			Help:      "Total ADD_ADDR/REMOVE_ADDR/MP_PRIO options transmitted.",
		}, advertLabels),
	}
}

// -------------------------------------------------------------------------
// MetaConnection Lifecycle
// -------------------------------------------------------------------------

// RegisterMeta increments the active meta-connections gauge.
// The mptcp Manager does not call it; cmd/mpjoind's metrics pump sets
// the same gauge directly from Manager snapshots.
func (c *Collector) RegisterMeta(local netip.Addr, family string) {
	c.MetaConnections.WithLabelValues(local.String(), family).Inc()
}

// UnregisterMeta decrements the active meta-connections gauge.
// The mptcp Manager does not call it.
func (c *Collector) UnregisterMeta(local netip.Addr, family string) {
	c.MetaConnections.WithLabelValues(local.String(), family).Dec()
}

// SetActiveRequests sets the pending-request gauge for a meta-connection.
func (c *Collector) SetActiveRequests(local netip.Addr, family string, n int) {
	c.ActiveRequests.WithLabelValues(local.String(), family).Set(float64(n))
}

// SetActiveSubflows sets the active-subflow gauge for a meta-connection.
func (c *Collector) SetActiveSubflows(local netip.Addr, family string, n int) {
	c.ActiveSubflows.WithLabelValues(local.String(), family).Set(float64(n))
}

// -------------------------------------------------------------------------
// JOIN Outcome Counters
// -------------------------------------------------------------------------

// IncJoinAttempts increments the JOIN-SYN-observed counter for the given
// remote/local pair.
func (c *Collector) IncJoinAttempts(remote, local netip.Addr) {
	c.JoinAttempts.WithLabelValues(remote.String(), local.String()).Inc()
}

// IncJoinAccepted increments the promoted-JOIN counter for the given
// remote/local pair.
func (c *Collector) IncJoinAccepted(remote, local netip.Addr) {
	c.JoinAccepted.WithLabelValues(remote.String(), local.String()).Inc()
}

// IncJoinRejected increments the destroyed-before-promotion counter for
// the given remote/local pair.
func (c *Collector) IncJoinRejected(remote, local netip.Addr) {
	c.JoinRejected.WithLabelValues(remote.String(), local.String()).Inc()
}

// -------------------------------------------------------------------------
// RequestState Transitions
// -------------------------------------------------------------------------

// RecordRequestTransition increments the transition counter with the old
// and new RequestLifecycleState labels (internal/mptcp's FSM).
func (c *Collector) RecordRequestTransition(from, to string) {
	c.RequestTransitions.WithLabelValues(from, to).Inc()
}

// -------------------------------------------------------------------------
// Authentication and Capacity
// -------------------------------------------------------------------------

// IncAuthFailures increments the authentication failure counter for the
// given remote/local pair (spec.md §4.2/§4.4 MAC mismatch).
func (c *Collector) IncAuthFailures(remote, local netip.Addr) {
	c.AuthFailures.WithLabelValues(remote.String(), local.String()).Inc()
}

// IncRegistryFullDrops increments the registry-exhausted counter for a
// meta-connection (spec.md §4.1 invariant 2).
func (c *Collector) IncRegistryFullDrops(local netip.Addr, family string) {
	c.RegistryFullDrops.WithLabelValues(local.String(), family).Inc()
}

// IncAdvertisementsSent increments the advertisement-transmitted counter,
// labeled with the option kind ("add_addr", "remove_addr", "mp_prio").
func (c *Collector) IncAdvertisementsSent(local netip.Addr, kind string) {
	c.AdvertisementsSent.WithLabelValues(local.String(), kind).Inc()
}
