// Package trace records protocol events as JSON lines, one object per
// event, so a run of several nodes can be merged and replayed offline
// by sorting on the Lamport clock.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/printmesh/printmesh/lamport"
)

// Event kinds.
const (
	KindSend       = "send"       // outbound protocol message
	KindRecv       = "recv"       // inbound protocol message
	KindTransition = "transition" // local state change
	KindDefer      = "defer"      // inbound request parked
	KindFlush      = "flush"      // parked request answered
	KindTimeout    = "timeout"    // peer reply timed out, counted as granted
	KindPrint      = "print"      // job submitted to the print service
)

// Event is one line of the trace.
type Event struct {
	ID    string         `json:"id"`
	At    time.Time      `json:"at"`
	Node  lamport.NodeID `json:"node"`
	Kind  string         `json:"kind"`
	Clock lamport.Time   `json:"clock,omitempty"`
	Peer  lamport.NodeID `json:"peer,omitempty"`
	State string         `json:"state,omitempty"`
	Seq   uint64         `json:"seq,omitempty"`
	Note  string         `json:"note,omitempty"`
}

// Recorder writes events for one node. Safe for concurrent use. A nil
// *Recorder is valid and records nothing, so call sites need no guards.
type Recorder struct {
	node lamport.NodeID

	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewRecorder writes events for node to w.
func NewRecorder(w io.Writer, node lamport.NodeID) *Recorder {
	return &Recorder{node: node, enc: json.NewEncoder(w)}
}

// Open appends events for node to the file at path, creating it if
// needed.
func Open(path string, node lamport.NodeID) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	r := NewRecorder(f, node)
	r.closer = f
	return r, nil
}

// Record stamps ev with an ID, the wall time and the recorder's node,
// then writes it as one JSON line. Write failures are reported once via
// the returned error; the recorder stays usable.
func (r *Recorder) Record(ev Event) error {
	if r == nil {
		return nil
	}
	ev.ID = uuid.NewString()
	ev.At = time.Now().UTC()
	ev.Node = r.node

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(ev); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	return nil
}

// Close releases the underlying file, if the recorder owns one.
func (r *Recorder) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Read parses a JSONL trace back into events, for tests and tooling.
func Read(rd io.Reader) ([]Event, error) {
	dec := json.NewDecoder(rd)
	var out []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("parse trace line %d: %w", len(out)+1, err)
		}
		out = append(out, ev)
	}
}
