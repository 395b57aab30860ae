package apiserver

import (
	"sync"

	"github.com/mpath/mpjoind/internal/mptcp"
)

// Broadcaster fans out address events to every subscribed SSE client
// (GET /v1/events). The caller wires it to the live event source (an
// internal/netio.AddressMonitor) by calling Publish for each event
// alongside AddressEventReactor.Dispatch.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan mptcp.AddrEvent]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan mptcp.AddrEvent]struct{})}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (b *Broadcaster) Subscribe() (<-chan mptcp.AddrEvent, func()) {
	ch := make(chan mptcp.AddrEvent, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish fans ev out to every current subscriber. Slow subscribers
// are dropped from this delivery rather than blocking the publisher.
func (b *Broadcaster) Publish(ev mptcp.AddrEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
