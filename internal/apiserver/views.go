package apiserver

import (
	"github.com/mpath/mpjoind/internal/mptcp"
)

// metaView is the JSON view of an mptcp.MetaSnapshot.
type metaView struct {
	ID           string `json:"id"`
	Family       string `json:"family"`
	LocalAddr    string `json:"local_addr"`
	RemoteAddr   string `json:"remote_addr"`
	State        string `json:"state"`
	PendingCount int    `json:"pending_count"`
	SubflowCount int    `json:"subflow_count"`
}

func metaSnapshotToView(snap mptcp.MetaSnapshot) metaView {
	return metaView{
		ID:           snap.ID,
		Family:       snap.Family.String(),
		LocalAddr:    snap.LocalAddr.String(),
		RemoteAddr:   snap.RemoteAddr.String(),
		State:        connStateString(snap.State),
		PendingCount: snap.PendingCount,
		SubflowCount: snap.SubflowCount,
	}
}

// metaDetailView is the JSON view of GET /v1/meta/{id}, folding in
// requests and subflows so a single fetch gives the full picture.
type metaDetailView struct {
	metaView
	Requests []requestView `json:"requests"`
	Subflows []subflowView `json:"subflows"`
}

func metaToDetailView(meta *mptcp.MetaConnection) metaDetailView {
	reqs := meta.PendingRequests()
	reqViews := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		reqViews = append(reqViews, requestStateToView(req))
	}

	subs := meta.Subflows()
	subViews := make([]subflowView, 0, len(subs))
	for _, sf := range subs {
		subViews = append(subViews, subflowToView(sf))
	}

	meta.Lock()
	base := metaView{
		ID:           meta.ID,
		Family:       meta.Family.String(),
		LocalAddr:    meta.LocalAddr.String(),
		RemoteAddr:   meta.RemoteAddr.String(),
		State:        connStateString(meta.State),
		PendingCount: len(reqViews),
		SubflowCount: len(subViews),
	}
	meta.Unlock()

	return metaDetailView{
		metaView: base,
		Requests: reqViews,
		Subflows: subViews,
	}
}

func connStateString(s mptcp.ConnState) string {
	if s == mptcp.StateClose {
		return "CLOSE"
	}
	return "ESTABLISHED"
}

// requestView is the JSON view of a pending mptcp.RequestState.
type requestView struct {
	Family     string `json:"family"`
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	LocalPort  uint16 `json:"local_port"`
	RemotePort uint16 `json:"remote_port"`
	RemoteID   uint8  `json:"remote_id"`
	State      string `json:"state"`
}

func requestStateToView(req *mptcp.RequestState) requestView {
	return requestView{
		Family:     req.Family.String(),
		LocalAddr:  req.LocAddr.String(),
		RemoteAddr: req.RmtAddr.String(),
		LocalPort:  req.LocPort,
		RemotePort: req.RmtPort,
		RemoteID:   req.RemoteID,
		State:      req.State.String(),
	}
}

// subflowView is the JSON view of an active mptcp.Subflow.
type subflowView struct {
	Family     string `json:"family"`
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	LocalPort  uint16 `json:"local_port"`
	RemotePort uint16 `json:"remote_port"`
	RemoteID   uint8  `json:"remote_id"`
	LowPrio    bool   `json:"low_prio"`
}

func subflowToView(sf *mptcp.Subflow) subflowView {
	return subflowView{
		Family:     sf.Family.String(),
		LocalAddr:  sf.LocalAddr.String(),
		RemoteAddr: sf.RemoteAddr.String(),
		LocalPort:  sf.LocalPort,
		RemotePort: sf.RemotePort,
		RemoteID:   sf.RemoteID,
		LowPrio:    sf.LowPrio,
	}
}

// localAddressView is the JSON view of an mptcp.LocalAddress created
// by POST /v1/meta/{id}/addresses.
type localAddressView struct {
	ID      uint8  `json:"id"`
	IP      string `json:"ip"`
	LowPrio bool   `json:"low_prio"`
}

func localAddressToView(a mptcp.LocalAddress) localAddressView {
	return localAddressView{ID: a.ID, IP: a.IP.String(), LowPrio: a.LowPrio}
}

// addrEventView is the JSON view of an mptcp.AddrEvent sent over the
// GET /v1/events SSE stream.
type addrEventView struct {
	Type   string `json:"type"`
	Family string `json:"family"`
	IP     string `json:"ip"`
	IfName string `json:"if_name"`
}

func addrEventToView(ev mptcp.AddrEvent) addrEventView {
	return addrEventView{
		Type:   ev.Type.String(),
		Family: ev.Family.String(),
		IP:     ev.IP.String(),
		IfName: ev.IfName,
	}
}
