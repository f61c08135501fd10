package mutex

import "github.com/printmesh/printmesh/lamport"

// State is the node's position in the mutual-exclusion cycle.
type State int

const (
	// Released means the node is not interested in the resource.
	Released State = iota
	// Wanted means the node has bid for the resource and is collecting
	// replies.
	Wanted
	// Held means the node owns the resource.
	Held
)

func (s State) String() string {
	switch s {
	case Released:
		return "RELEASED"
	case Wanted:
		return "WANTED"
	case Held:
		return "HELD"
	default:
		return "INVALID"
	}
}

// Snapshot is a point-in-time copy of the engine's mutable state, for
// logs, debug endpoints and tests.
type Snapshot struct {
	State    State
	Bid      lamport.Stamp // zero unless State != Released
	Sequence uint64        // acquisitions started so far
	Pending  int           // replies still awaited
	Deferred int           // parked inbound requests
}

// Events receives protocol decisions as they happen, for metrics and
// tracing. Calls may arrive with internal locks held: implementations
// must be fast and must not call back into the Mutex. A nil Events is
// valid and ignores everything.
type Events interface {
	// Transition fires on every state change. bid is the local request
	// stamp entering Wanted and leaving Held; seq is the acquisition
	// number.
	Transition(from, to State, bid lamport.Stamp, seq uint64)
	// Deferred fires when an inbound request is parked.
	Deferred(peer lamport.NodeID, theirs lamport.Stamp)
	// Flushed fires when a parked request is answered at release.
	Flushed(peer lamport.NodeID)
	// ImplicitGrant fires when a peer's reply timed out or failed and
	// was counted as granted.
	ImplicitGrant(peer lamport.NodeID)
}

// noopEvents backs a nil Events so call sites stay unconditional.
type noopEvents struct{}

func (noopEvents) Transition(from, to State, bid lamport.Stamp, seq uint64) {}
func (noopEvents) Deferred(peer lamport.NodeID, theirs lamport.Stamp)       {}
func (noopEvents) Flushed(peer lamport.NodeID)                              {}
func (noopEvents) ImplicitGrant(peer lamport.NodeID)                        {}
