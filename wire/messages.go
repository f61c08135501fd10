// Package wire defines the messages exchanged between peers and with
// the print service, and the gRPC plumbing that carries them. Messages
// travel as structpb payloads built from their JSON shape, so the wire
// format stays readable in traces and needs no generated code.
package wire

import "github.com/printmesh/printmesh/lamport"

// AccessRequest asks every peer for permission to use the printer. The
// (Timestamp, From) pair is the requester's bid in the global order.
type AccessRequest struct {
	MessageID string         `json:"message_id"`
	From      lamport.NodeID `json:"from"`
	Timestamp lamport.Time   `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
}

// AccessReply grants an AccessRequest. It is the RPC response to
// RequestAccess; a contested request simply sees this reply arrive
// late. The timestamp is the responder's clock at send time and is
// informational.
type AccessReply struct {
	From      lamport.NodeID `json:"from"`
	Timestamp lamport.Time   `json:"timestamp"`
	Granted   bool           `json:"granted"`
}

// ReleaseNotice tells peers the sender has left the critical section.
// It is informational: permission transfer happens through the delayed
// AccessReply, never through this notice.
type ReleaseNotice struct {
	MessageID string         `json:"message_id"`
	From      lamport.NodeID `json:"from"`
	Timestamp lamport.Time   `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
}

// ReleaseAck closes the ReleaseAccess RPC. Carries the receiver's clock
// for symmetry with AccessReply; senders may ignore it.
type ReleaseAck struct {
	Timestamp lamport.Time `json:"timestamp"`
}

// PrintJob is one document submitted to the print service. Sequence is
// the sender's acquisition number, used to correlate jobs with traces.
type PrintJob struct {
	JobID     string         `json:"job_id"`
	From      lamport.NodeID `json:"from"`
	Timestamp lamport.Time   `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Content   string         `json:"content"`
}

// PrintReceipt acknowledges a completed PrintJob.
type PrintReceipt struct {
	OK        bool         `json:"ok"`
	Message   string       `json:"message"`
	JobNumber uint64       `json:"job_number"`
	Timestamp lamport.Time `json:"timestamp"`
}
