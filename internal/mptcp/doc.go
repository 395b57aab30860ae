// Package mptcp implements the MPTCP subflow path manager and JOIN
// handshake core: the address registry, the MP_JOIN handshake state
// machine, the cross-connection request-sock index, the subflow
// factory, the address-event reactor, and the inbound-packet
// dispatcher for a single MPTCP meta-connection.
//
// TCP segmentation, congestion control, and the data-level sequence
// scheduler are not implemented here; they are represented by narrow
// collaborator interfaces (RouteResolver, ChildSocketBuilder,
// SubflowDialer) so this package stays testable without a real
// network stack.
package mptcp
