package mptcp

// RequestState lifecycle FSM — a pure, table-driven state machine
// mirroring the state diagram of spec.md §4.4:
//
//	[NEW] --alloc--> [SYN_ACK_SENT] --final_ACK_matches_MAC--> [PROMOTED]
//	   |                   |
//	   +---send_fail-------+--(timeout | reset | meta_close)--> [DESTROYED]
//
// A single RequestState must be destroyed at most once; ApplyEvent
// never transitions out of Promoted or Destroyed.

// RequestLifecycleState is the state of a pending JOIN RequestState.
type RequestLifecycleState uint8

const (
	RequestNew RequestLifecycleState = iota
	RequestSynAckSent
	RequestPromoted
	RequestDestroyed
)

func (s RequestLifecycleState) String() string {
	switch s {
	case RequestNew:
		return "NEW"
	case RequestSynAckSent:
		return "SYN_ACK_SENT"
	case RequestPromoted:
		return "PROMOTED"
	case RequestDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// RequestEvent is an input to the RequestState FSM.
type RequestEvent uint8

const (
	// EventSynAckSent fires once the common request-creation routine
	// has successfully transmitted the SYN-ACK and is about to insert
	// the request into the meta's queue and the global RequestTable.
	EventSynAckSent RequestEvent = iota
	// EventSendFail fires when SYN-ACK transmission fails; the
	// request is freed without ever being inserted (spec.md §4.4
	// step 8).
	EventSendFail
	// EventFinalACKMatch fires when an inbound ACK's MAC matches the
	// stored truncated_mac, completing promotion to a child socket.
	EventFinalACKMatch
	// EventTimeout fires on SYN_RCV_TIMEOUT expiry.
	EventTimeout
	// EventReset fires when a RST targeting this request's 4-tuple is
	// observed.
	EventReset
	// EventMetaClose fires when the owning MetaConnection is torn
	// down while the request is still pending.
	EventMetaClose
)

func (e RequestEvent) String() string {
	switch e {
	case EventSynAckSent:
		return "SynAckSent"
	case EventSendFail:
		return "SendFail"
	case EventFinalACKMatch:
		return "FinalACKMatch"
	case EventTimeout:
		return "Timeout"
	case EventReset:
		return "Reset"
	case EventMetaClose:
		return "MetaClose"
	default:
		return "Unknown"
	}
}

// RequestAction is a side effect the caller must perform after
// ApplyEvent returns a transition whose Changed is true.
type RequestAction uint8

const (
	ActionNone RequestAction = iota
	// ActionInsertTable: insert the request into the meta's request
	// queue and the global RequestTable.
	ActionInsertTable
	// ActionFreeRequest: release the RequestState without ever having
	// inserted it (SYN-ACK send failure).
	ActionFreeRequest
	// ActionDestroy: unlink from the RequestTable (if inserted) and
	// run the full destructor chain.
	ActionDestroy
	// ActionPromoteChild: build and hand off the child socket.
	ActionPromoteChild
)

func (a RequestAction) String() string {
	switch a {
	case ActionInsertTable:
		return "InsertTable"
	case ActionFreeRequest:
		return "FreeRequest"
	case ActionDestroy:
		return "Destroy"
	case ActionPromoteChild:
		return "PromoteChild"
	default:
		return "None"
	}
}

type requestStateEvent struct {
	state RequestLifecycleState
	event RequestEvent
}

type requestTransition struct {
	newState RequestLifecycleState
	actions  []RequestAction
}

//nolint:gochecknoglobals // lookup table is intentionally package-level, mirroring the teacher's fsmTable.
var requestFSMTable = map[requestStateEvent]requestTransition{
	{RequestNew, EventSynAckSent}: {RequestSynAckSent, []RequestAction{ActionInsertTable}},
	{RequestNew, EventSendFail}:   {RequestDestroyed, []RequestAction{ActionFreeRequest}},

	{RequestSynAckSent, EventFinalACKMatch}: {RequestPromoted, []RequestAction{ActionPromoteChild}},
	{RequestSynAckSent, EventTimeout}:       {RequestDestroyed, []RequestAction{ActionDestroy}},
	{RequestSynAckSent, EventReset}:         {RequestDestroyed, []RequestAction{ActionDestroy}},
	{RequestSynAckSent, EventMetaClose}:     {RequestDestroyed, []RequestAction{ActionDestroy}},
}

// RequestFSMResult is the outcome of applying an event.
type RequestFSMResult struct {
	OldState RequestLifecycleState
	NewState RequestLifecycleState
	Actions  []RequestAction
	Changed  bool
}

// ApplyRequestEvent is a pure function: given the current state and an
// event, returns the new state and the actions the caller must
// perform. If no table entry matches, the state is returned unchanged
// with no actions — this is how the FSM enforces "destroyed at most
// once" (Destroyed has no outgoing transitions at all).
func ApplyRequestEvent(current RequestLifecycleState, event RequestEvent) RequestFSMResult {
	key := requestStateEvent{state: current, event: event}

	t, ok := requestFSMTable[key]
	if !ok {
		return RequestFSMResult{OldState: current, NewState: current, Changed: false}
	}

	return RequestFSMResult{
		OldState: current,
		NewState: t.newState,
		Actions:  t.actions,
		Changed:  true,
	}
}
