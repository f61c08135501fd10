package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/printmesh/printmesh/lamport"
	"github.com/printmesh/printmesh/mutex"
	"github.com/printmesh/printmesh/trace"
	"github.com/printmesh/printmesh/wire"
)

// transport carries the engine's outbound calls over the per-peer gRPC
// connections.
type transport struct {
	n *Node
}

func (t transport) RequestAccess(ctx context.Context, to lamport.NodeID, bid lamport.Stamp, seq uint64) (lamport.Time, error) {
	client, ok := t.n.peers[to]
	if !ok {
		return 0, fmt.Errorf("no connection to node %d", to)
	}
	t.n.recordTrace(trace.Event{Kind: trace.KindSend, Peer: to, Clock: bid.Time, Seq: seq, Note: "request"})
	rep, err := client.RequestAccess(ctx, &wire.AccessRequest{
		From:      t.n.reg.Self().ID,
		Timestamp: bid.Time,
		Sequence:  seq,
	})
	if err != nil {
		return 0, err
	}
	t.n.recordTrace(trace.Event{Kind: trace.KindRecv, Peer: to, Clock: rep.Timestamp, Seq: seq, Note: "reply"})
	return rep.Timestamp, nil
}

func (t transport) ReleaseAccess(ctx context.Context, to lamport.NodeID, at lamport.Time, seq uint64) error {
	client, ok := t.n.peers[to]
	if !ok {
		return fmt.Errorf("no connection to node %d", to)
	}
	t.n.recordTrace(trace.Event{Kind: trace.KindSend, Peer: to, Clock: at, Seq: seq, Note: "release"})
	_, err := client.ReleaseAccess(ctx, &wire.ReleaseNotice{
		From:      t.n.reg.Self().ID,
		Timestamp: at,
		Sequence:  seq,
	})
	return err
}

// exclusionService is the inbound side: it validates the sender, then
// hands the message to the engine. Messages from unknown nodes are
// rejected before they can touch protocol state.
type exclusionService struct {
	n *Node
}

func (s exclusionService) RequestAccess(ctx context.Context, req *wire.AccessRequest) (*wire.AccessReply, error) {
	if err := s.checkSender(req.From, "request"); err != nil {
		return nil, err
	}
	s.n.recordTrace(trace.Event{Kind: trace.KindRecv, Peer: req.From, Clock: req.Timestamp, Seq: req.Sequence, Note: "request"})
	now, err := s.n.mtx.HandleRequest(ctx, req.From, req.Timestamp, req.Sequence)
	if err != nil {
		// Only a requester abandoning its own deferred request lands
		// here; it is already gone, so the code is informational.
		return nil, status.Errorf(codes.Canceled, "request abandoned: %v", err)
	}
	return &wire.AccessReply{
		From:      s.n.reg.Self().ID,
		Timestamp: now,
		Granted:   true,
	}, nil
}

func (s exclusionService) ReleaseAccess(ctx context.Context, rel *wire.ReleaseNotice) (*wire.ReleaseAck, error) {
	if err := s.checkSender(rel.From, "release"); err != nil {
		return nil, err
	}
	s.n.recordTrace(trace.Event{Kind: trace.KindRecv, Peer: rel.From, Clock: rel.Timestamp, Seq: rel.Sequence, Note: "release"})
	now := s.n.mtx.HandleRelease(rel.From, rel.Timestamp, rel.Sequence)
	return &wire.ReleaseAck{Timestamp: now}, nil
}

func (s exclusionService) checkSender(from lamport.NodeID, kind string) error {
	if _, ok := s.n.reg.Lookup(from); !ok || from == s.n.reg.Self().ID {
		s.n.metrics.DroppedMessages.Inc()
		s.n.log.Warn("dropping message from unknown sender",
			zap.Uint32("from", uint32(from)),
			zap.String("kind", kind))
		return status.Errorf(codes.PermissionDenied, "unknown node %d", from)
	}
	return nil
}

// eventSink feeds the engine's decisions into metrics and the trace.
type eventSink struct {
	n *Node
}

func (e eventSink) Transition(from, to mutex.State, bid lamport.Stamp, seq uint64) {
	e.n.metrics.MutexState.Set(float64(to))
	switch to {
	case mutex.Held:
		e.n.metrics.Acquisitions.Inc()
	case mutex.Released:
		e.n.metrics.Releases.Inc()
	}
	e.n.recordTrace(trace.Event{Kind: trace.KindTransition, Clock: bid.Time, State: to.String(), Seq: seq})
}

func (e eventSink) Deferred(peer lamport.NodeID, theirs lamport.Stamp) {
	e.n.metrics.DeferredReplies.Inc()
	e.n.recordTrace(trace.Event{Kind: trace.KindDefer, Peer: peer, Clock: theirs.Time})
}

func (e eventSink) Flushed(peer lamport.NodeID) {
	e.n.recordTrace(trace.Event{Kind: trace.KindFlush, Peer: peer})
}

func (e eventSink) ImplicitGrant(peer lamport.NodeID) {
	e.n.metrics.ImplicitGrants.Inc()
	e.n.recordTrace(trace.Event{Kind: trace.KindTimeout, Peer: peer})
}
