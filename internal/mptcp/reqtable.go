package mptcp

import (
	"fmt"
	"hash/maphash"
	"net/netip"
	"sync"
)

// HashSize is the RequestTable's fixed bucket count (power of two),
// standing in for "same size as the standard TCP SYN-queue hash" per
// spec.md §6 — an open question resolved in SPEC_FULL.md §13.
const HashSize = 1024

// reqNode is one linked-list element of a RequestTable bucket.
type reqNode struct {
	req  *RequestState
	next *reqNode
}

// RequestTable is the global hash-indexed collection of half-open
// JOIN request-states keyed by remote (addr, port) (C3). It is
// protected by a single mutex, the Go analogue of the kernel's
// table_lock spinlock: insert/lookup/remove hold it only for
// O(bucket-length) and never sleep while holding it.
type RequestTable struct {
	mu      sync.Mutex
	buckets [HashSize]*reqNode
	seed    maphash.Seed
}

// NewRequestTable returns an empty table with a process-lifetime hash
// seed, matching the "process-wide, init once" lifetime the design
// notes ascribe to the global RequestTable.
func NewRequestTable() *RequestTable {
	return &RequestTable{seed: maphash.MakeSeed()}
}

func (t *RequestTable) hash(addr netip.Addr, port uint16) uint32 {
	var h maphash.Hash
	h.SetSeed(t.seed)
	b := addr.AsSlice()
	_, _ = h.Write(b)
	_, _ = h.Write([]byte{byte(port >> 8), byte(port)})
	return uint32(h.Sum64()) % HashSize
}

// Insert appends req to its bucket under table_lock. Each RequestState
// must be inserted at most once between creation and destruction
// (invariant 4: request-table exclusivity).
func (t *RequestTable) Insert(req *RequestState) {
	idx := t.hash(req.RmtAddr, req.RmtPort)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.buckets[idx] = &reqNode{req: req, next: t.buckets[idx]}
}

// Lookup scans the bucket for remoteIP:remotePort and returns the
// first request whose 4-tuple and family match, incrementing the
// owning MetaConnection's refcount before releasing the lock. The
// caller must release that reference (Meta.Release) when done.
func (t *RequestTable) Lookup(remoteIP netip.Addr, remotePort uint16, localIP netip.Addr, family Family) (*RequestState, bool) {
	idx := t.hash(remoteIP, remotePort)

	t.mu.Lock()
	defer t.mu.Unlock()

	for n := t.buckets[idx]; n != nil; n = n.next {
		req := n.req
		if req.Family == family && req.RmtAddr == remoteIP && req.RmtPort == remotePort && req.LocAddr == localIP {
			req.Meta.acquire()
			return req, true
		}
	}
	return nil, false
}

// Remove unlinks req from its bucket under table_lock. If req is not
// present it changes nothing and returns ErrRequestNotPending.
func (t *RequestTable) Remove(req *RequestState) error {
	idx := t.hash(req.RmtAddr, req.RmtPort)

	t.mu.Lock()
	defer t.mu.Unlock()

	var prev *reqNode
	for n := t.buckets[idx]; n != nil; n = n.next {
		if n.req == req {
			if prev == nil {
				t.buckets[idx] = n.next
			} else {
				prev.next = n.next
			}
			return nil
		}
		prev = n
	}
	return fmt.Errorf("remove request %s:%d: %w", req.RmtAddr, req.RmtPort, ErrRequestNotPending)
}

// Len reports the total number of pending requests across all
// buckets. Intended for metrics/diagnostics, not the hot path.
func (t *RequestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, b := range t.buckets {
		for c := b; c != nil; c = c.next {
			n++
		}
	}
	return n
}
