package mptcp

import (
	"net/netip"
	"sync"
)

// fakeSender is a PacketSender recording every call for assertions,
// optionally failing the next SendSynAck (scenario: send-fail path of
// spec.md §4.4 step 8).
type fakeSender struct {
	mu sync.Mutex

	failSynAck bool

	synAcks      []JoinSynAckOption
	resets       int
	addAddrs     []AddAddrOption
	removeAddrs  [][]uint8
	mpPrios      []bool
}

func (s *fakeSender) SendSynAck(req *RequestState, opt JoinSynAckOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSynAck {
		return errSendFail
	}
	s.synAcks = append(s.synAcks, opt)
	return nil
}

func (s *fakeSender) SendReset(family Family, local, remote netip.Addr, localPort, remotePort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *fakeSender) SendAddAddr(meta *MetaConnection, opt AddAddrOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addAddrs = append(s.addAddrs, opt)
	return nil
}

func (s *fakeSender) SendRemoveAddr(meta *MetaConnection, ids []uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeAddrs = append(s.removeAddrs, ids)
	return nil
}

func (s *fakeSender) SendMPPrio(meta *MetaConnection, backup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mpPrios = append(s.mpPrios, backup)
	return nil
}

type sendFailError struct{}

func (sendFailError) Error() string { return "fake: send failed" }

var errSendFail = sendFailError{}

// fixedNonceSource always returns the same local nonce, so tests can
// predict the expected MAC-B.
type fixedNonceSource struct{ n uint32 }

func (f fixedNonceSource) Nonce() (uint32, error) { return f.n, nil }

// failingNonceSource always fails, for exercising ErrAllocFailed.
type failingNonceSource struct{}

func (failingNonceSource) Nonce() (uint32, error) { return 0, errSendFail }

// fakeRouteResolver drives MixedFamilyChildSocketBuilder's resolver
// dependency without a real routing table.
type fakeRouteResolver struct {
	ok      bool
	nextHop netip.Addr
}

func (f fakeRouteResolver) Resolve(family Family, dst netip.Addr) (netip.Addr, bool) {
	return f.nextHop, f.ok
}

// fakeDialer constructs a fakeSubflowHandle without touching a real
// socket, so InitSubflow/CloseSubflow are exercisable in-process.
type fakeDialer struct {
	fail bool
	port uint16
}

func (d fakeDialer) Dial(family Family, localAddr, remoteAddr netip.Addr, localPort, remotePort uint16) (SubflowHandle, error) {
	if d.fail {
		return nil, errSendFail
	}
	return &fakeSubflowHandle{port: d.port}, nil
}

type fakeSubflowHandle struct {
	port   uint16
	closed bool
}

func (h *fakeSubflowHandle) Close() error     { h.closed = true; return nil }
func (h *fakeSubflowHandle) LocalPort() uint16 { return h.port }

// newTestMeta builds a MetaConnection wired with a fakeSender and the
// same-family child builder, suitable for join/dispatch tests.
func newTestMeta(localKey, remoteKey uint64) (*MetaConnection, *fakeSender) {
	sender := &fakeSender{}
	meta := NewMetaConnection("meta-test", FamilyV4,
		netip.MustParseAddr("203.0.113.1"), netip.MustParseAddr("198.51.100.1"),
		443, 51000, localKey, remoteKey)
	meta.Sender = sender
	meta.ChildBuilder = DefaultChildSocketBuilder{}
	return meta, sender
}
