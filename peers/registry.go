// Package peers holds the static roster of mesh nodes: who exists,
// where each one listens, and which entry is the local process. The
// registry is immutable after construction and safe to share without
// locking.
package peers

import (
	"fmt"
	"sort"

	"github.com/printmesh/printmesh/lamport"
)

// Endpoint is one node's identity and network address.
type Endpoint struct {
	ID   lamport.NodeID
	Addr string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d@%s", e.ID, e.Addr)
}

// Registry maps node IDs to endpoints and knows which one is local.
type Registry struct {
	self   Endpoint
	others []Endpoint
	byID   map[lamport.NodeID]Endpoint
}

// New builds a registry from the local endpoint and the remaining mesh
// members. Duplicate IDs, empty addresses and a reappearance of the
// local ID among the others are rejected.
func New(self Endpoint, others []Endpoint) (*Registry, error) {
	if self.Addr == "" {
		return nil, fmt.Errorf("node %d: empty listen address", self.ID)
	}
	byID := map[lamport.NodeID]Endpoint{self.ID: self}
	sorted := make([]Endpoint, 0, len(others))
	for _, ep := range others {
		if ep.Addr == "" {
			return nil, fmt.Errorf("peer %d: empty address", ep.ID)
		}
		if ep.ID == self.ID {
			return nil, fmt.Errorf("peer list contains own ID %d", self.ID)
		}
		if _, dup := byID[ep.ID]; dup {
			return nil, fmt.Errorf("duplicate peer ID %d", ep.ID)
		}
		byID[ep.ID] = ep
		sorted = append(sorted, ep)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &Registry{self: self, others: sorted, byID: byID}, nil
}

// FromRoster builds a registry for selfID out of a roster that includes
// every mesh member, the local node among them.
func FromRoster(selfID lamport.NodeID, roster []Endpoint) (*Registry, error) {
	var self *Endpoint
	others := make([]Endpoint, 0, len(roster))
	for _, ep := range roster {
		if ep.ID == selfID {
			if self != nil {
				return nil, fmt.Errorf("roster lists node %d twice", selfID)
			}
			ep := ep
			self = &ep
			continue
		}
		others = append(others, ep)
	}
	if self == nil {
		return nil, fmt.Errorf("roster has no entry for node %d", selfID)
	}
	return New(*self, others)
}

// Self returns the local endpoint.
func (r *Registry) Self() Endpoint { return r.self }

// Others returns the non-local endpoints in ascending ID order. The
// returned slice is a copy.
func (r *Registry) Others() []Endpoint {
	out := make([]Endpoint, len(r.others))
	copy(out, r.others)
	return out
}

// OtherIDs returns the non-local node IDs in ascending order.
func (r *Registry) OtherIDs() []lamport.NodeID {
	out := make([]lamport.NodeID, len(r.others))
	for i, ep := range r.others {
		out[i] = ep.ID
	}
	return out
}

// Lookup resolves a node ID, local or remote.
func (r *Registry) Lookup(id lamport.NodeID) (Endpoint, bool) {
	ep, ok := r.byID[id]
	return ep, ok
}

// Size is the total number of mesh members, the local node included.
func (r *Registry) Size() int { return 1 + len(r.others) }
