// Package netio provides the raw-socket and link-state I/O mpjoind
// needs around the pure internal/mptcp core: a netlink address
// monitor for DAD-aware interface/address change events, a raw TCP
// sender for crafting MP_JOIN SYN-ACKs and MPTCP control segments,
// and a subflow dialer for establishing outbound child sockets.
package netio
