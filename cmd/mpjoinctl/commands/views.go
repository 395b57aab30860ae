package commands

// These mirror the JSON shapes served by internal/apiserver's views.go.
// mpjoinctl doesn't import internal/apiserver directly since the
// control API is the stable wire contract, not the Go types behind it.

type metaView struct {
	ID           string `json:"id"`
	Family       string `json:"family"`
	LocalAddr    string `json:"local_addr"`
	RemoteAddr   string `json:"remote_addr"`
	State        string `json:"state"`
	PendingCount int    `json:"pending_count"`
	SubflowCount int    `json:"subflow_count"`
}

type requestView struct {
	Family     string `json:"family"`
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	LocalPort  uint16 `json:"local_port"`
	RemotePort uint16 `json:"remote_port"`
	RemoteID   uint8  `json:"remote_id"`
	State      string `json:"state"`
}

type subflowView struct {
	Family     string `json:"family"`
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	LocalPort  uint16 `json:"local_port"`
	RemotePort uint16 `json:"remote_port"`
	RemoteID   uint8  `json:"remote_id"`
	LowPrio    bool   `json:"low_prio"`
}

type metaDetailView struct {
	metaView
	Requests []requestView `json:"requests"`
	Subflows []subflowView `json:"subflows"`
}

type localAddressView struct {
	ID      uint8  `json:"id"`
	IP      string `json:"ip"`
	LowPrio bool   `json:"low_prio"`
}

type addrEventView struct {
	Type   string `json:"type"`
	Family string `json:"family"`
	IP     string `json:"ip"`
	IfName string `json:"if_name"`
}
