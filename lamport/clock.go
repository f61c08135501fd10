// Package lamport implements the Lamport logical clock and the
// (timestamp, node) total order used to arbitrate between competing
// requests.
package lamport

import "sync/atomic"

// Time is a Lamport timestamp. It orders events causally, not by wall
// clock, and never decreases on a given node.
type Time uint64

// Clock is a monotonic Lamport clock safe for concurrent use.
// The zero value is a clock at time zero, ready for use.
type Clock struct {
	t atomic.Uint64
}

// Tick advances the clock for a local event and returns the new time.
// Call it before sending any timestamped message.
func (c *Clock) Tick() Time {
	return Time(c.t.Add(1))
}

// Observe merges a timestamp received from another node, setting the
// clock to max(local, received)+1, and returns the new time. Call it on
// every inbound timestamped message, regardless of kind.
func (c *Clock) Observe(t Time) Time {
	for {
		cur := c.t.Load()
		next := max(cur, uint64(t)) + 1
		if c.t.CompareAndSwap(cur, next) {
			return Time(next)
		}
	}
}

// Now returns the current time without advancing the clock.
func (c *Clock) Now() Time {
	return Time(c.t.Load())
}
