package lamport

import "fmt"

// NodeID identifies one process in the mesh. IDs are small, unique and
// totally ordered; the ordering breaks timestamp ties.
type NodeID uint32

// Stamp is a (timestamp, node) pair identifying one request for the
// shared resource.
type Stamp struct {
	Time Time
	Node NodeID
}

// Precedes reports whether s has priority over o: strictly smaller
// timestamp, or equal timestamps and smaller node ID. It is a strict
// total order over distinct stamps, so every node ranks any two
// requests the same way.
func (s Stamp) Precedes(o Stamp) bool {
	return s.Time < o.Time || (s.Time == o.Time && s.Node < o.Node)
}

func (s Stamp) String() string {
	return fmt.Sprintf("(%d,%d)", s.Time, s.Node)
}
