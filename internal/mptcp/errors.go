package mptcp

import "errors"

// Sentinel errors per the error-handling disposition table: each is
// wrapped with call-site context via fmt.Errorf("...: %w", err) and
// never panics on the packet-receive path.
var (
	// ErrRegistryFull is returned by AddRemote/add-local-slot when no
	// free slot remains in a 16-slot AddressRegistry half. Non-fatal
	// during address events (log-and-drop); during a JOIN SYN the
	// caller must emit a RST.
	ErrRegistryFull = errors.New("address registry full")

	// ErrNotFound is returned by RemoveRemote and registry lookups
	// when no slot matches, and by Manager.DestroyMeta for an unknown
	// meta ID (the control API maps it to 404).
	ErrNotFound = errors.New("address not found")

	// ErrAllocFailed indicates a RequestState or RequestTable
	// allocation failure. Drops the packet/operation with no state
	// change.
	ErrAllocFailed = errors.New("allocation failed")

	// ErrBadAuth indicates a missing or mismatched MD5/auth signature
	// on an inbound JOIN SYN. Causes a silent drop.
	ErrBadAuth = errors.New("bad authentication signature")

	// ErrRouteFailure indicates the mixed-family route/destination
	// lookup used to promote a child socket failed. It is raised at
	// final-ACK promotion, after the SYN-ACK was sent; the request
	// stays pending until its SYN-ACK timeout destroys it.
	ErrRouteFailure = errors.New("routing lookup failed")

	// ErrPAWSReject indicates a JOIN SYN failed the PAWS/anti-flood
	// checks of the common request-creation routine. Dropped silently.
	ErrPAWSReject = errors.New("PAWS or anti-flood check rejected SYN")

	// ErrListenOverflow indicates the meta-connection's accept queue
	// was full during mixed-family child-socket promotion.
	ErrListenOverflow = errors.New("listen queue overflow")

	// ErrBindFailed indicates SubflowFactory bind/connect failed.
	ErrBindFailed = errors.New("subflow bind or connect failed")

	// ErrMetaClosed indicates the MetaConnection is in StateClose or
	// not inside the token table. Callers must emit a RST and discard.
	ErrMetaClosed = errors.New("meta-connection closed or off-table")

	// ErrTimeWaitDrop indicates an established-table lookup resolved
	// to a socket in TIME_WAIT. The original kernel source treats
	// this as a distinct counted drop rather than a generic lookup
	// miss (see original_source/net/mptcp/mptcp_ipv4.c).
	ErrTimeWaitDrop = errors.New("resolved socket is in TIME_WAIT")

	// ErrSelfLookup indicates an established-table lookup resolved to
	// the meta-connection's own listening socket.
	ErrSelfLookup = errors.New("lookup resolved to meta-connection itself")

	// ErrUnknownFamily indicates an address family outside {v4, v6}.
	ErrUnknownFamily = errors.New("unknown address family")

	// ErrRequestNotPending indicates a final-ACK lookup or destroy
	// call referenced a RequestState no longer in the table.
	ErrRequestNotPending = errors.New("request state not pending")

	// ErrMalformedOption indicates a JOIN/ADD_ADDR/REMOVE_ADDR/MP_PRIO
	// option failed to parse.
	ErrMalformedOption = errors.New("malformed MPTCP option")
)
