// Package mutex implements Ricart–Agrawala mutual exclusion over an
// abstract transport. One Mutex guards one shared resource for one
// node; the caller brackets its critical section with Acquire and
// Release and feeds inbound traffic to HandleRequest and HandleRelease.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/printmesh/printmesh/lamport"
)

// DefaultTimeout bounds each per-peer RPC. A peer that does not answer
// within it is counted as having granted access.
const DefaultTimeout = 5 * time.Second

var (
	// ErrWrongState reports an operation that is invalid in the node's
	// current state, such as acquiring twice or releasing while idle.
	ErrWrongState = errors.New("mutex: operation invalid in current state")

	// ErrStrayReply reports a reply that matches no pending request.
	ErrStrayReply = errors.New("mutex: reply matches no pending request")
)

// Outbound sends protocol messages to a single peer. Implementations
// block until the peer answers or ctx expires; for RequestAccess that
// can be a long time, since peers hold the request while they use the
// resource.
type Outbound interface {
	// RequestAccess delivers a bid and returns the peer's clock value
	// from the granting reply.
	RequestAccess(ctx context.Context, to lamport.NodeID, bid lamport.Stamp, seq uint64) (lamport.Time, error)
	// ReleaseAccess tells one peer the resource was given up.
	ReleaseAccess(ctx context.Context, to lamport.NodeID, at lamport.Time, seq uint64) error
}

// Config carries the collaborators a Mutex needs.
type Config struct {
	Self      lamport.NodeID
	Others    []lamport.NodeID
	Clock     *lamport.Clock
	Transport Outbound
	Timeout   time.Duration // per-peer RPC budget; DefaultTimeout if zero
	Logger    *zap.Logger   // zap.NewNop() if nil
	Events    Events        // optional
}

// Mutex is the per-node protocol engine. All exported methods are safe
// for concurrent use.
type Mutex struct {
	log     *zap.Logger
	clock   *lamport.Clock
	self    lamport.NodeID
	others  []lamport.NodeID
	out     Outbound
	timeout time.Duration
	events  Events

	mu       sync.Mutex
	state    State
	bid      lamport.Stamp // valid while state != Released
	seq      uint64
	pending  map[lamport.NodeID]struct{}
	deferred map[lamport.NodeID][]chan struct{}
	granted  chan struct{} // closed when pending drains
}

// New validates cfg and builds an engine in the Released state.
func New(cfg Config) (*Mutex, error) {
	if cfg.Clock == nil {
		return nil, errors.New("mutex: config needs a clock")
	}
	if cfg.Transport == nil {
		return nil, errors.New("mutex: config needs a transport")
	}
	seen := make(map[lamport.NodeID]struct{}, len(cfg.Others))
	for _, id := range cfg.Others {
		if id == cfg.Self {
			return nil, fmt.Errorf("mutex: peer list contains self (%d)", cfg.Self)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("mutex: duplicate peer %d", id)
		}
		seen[id] = struct{}{}
	}
	m := &Mutex{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		self:     cfg.Self,
		others:   append([]lamport.NodeID(nil), cfg.Others...),
		out:      cfg.Transport,
		timeout:  cfg.Timeout,
		events:   cfg.Events,
		deferred: make(map[lamport.NodeID][]chan struct{}),
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.events == nil {
		m.events = noopEvents{}
	}
	return m, nil
}

// Acquire bids for the resource and blocks until every peer has
// granted access, counting unreachable peers as granting. It returns
// ErrWrongState if the node is already Wanted or Held. There is no
// cancellation: once the bid is out, the node waits it out, bounded by
// the per-peer timeout.
func (m *Mutex) Acquire() error {
	m.mu.Lock()
	if m.state != Released {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: acquire while %s", ErrWrongState, state)
	}
	ts := m.clock.Tick()
	m.seq++
	seq := m.seq
	bid := lamport.Stamp{Time: ts, Node: m.self}
	m.bid = bid
	m.state = Wanted
	m.events.Transition(Released, Wanted, bid, seq)
	m.pending = make(map[lamport.NodeID]struct{}, len(m.others))
	for _, id := range m.others {
		m.pending[id] = struct{}{}
	}
	granted := make(chan struct{})
	m.granted = granted
	if len(m.pending) == 0 {
		m.state = Held
		m.events.Transition(Wanted, Held, bid, seq)
		close(granted)
	}
	m.mu.Unlock()

	m.log.Info("requesting access",
		zap.Stringer("bid", bid),
		zap.Uint64("seq", seq),
		zap.Int("peers", len(m.others)))

	for _, id := range m.others {
		go m.requestOne(id, bid, seq)
	}

	<-granted
	m.log.Info("access granted",
		zap.Stringer("bid", bid),
		zap.Uint64("seq", seq))
	return nil
}

// requestOne asks a single peer for access and records the outcome.
// Exactly one reply per peer per acquisition reaches countReply, so
// the pending set drains exactly once.
func (m *Mutex) requestOne(to lamport.NodeID, bid lamport.Stamp, seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	ts, err := m.out.RequestAccess(ctx, to, bid, seq)
	if err != nil {
		m.log.Warn("peer did not reply, treating as granted",
			zap.Uint32("peer", uint32(to)),
			zap.Uint64("seq", seq),
			zap.Error(err))
		m.events.ImplicitGrant(to)
		if err := m.countReply(to); err != nil {
			m.log.Error("dropping reply", zap.Uint32("peer", uint32(to)), zap.Error(err))
		}
		return
	}
	m.clock.Observe(ts)
	m.log.Debug("peer granted access",
		zap.Uint32("peer", uint32(to)),
		zap.Uint64("ts", uint64(ts)),
		zap.Uint64("seq", seq))
	if err := m.countReply(to); err != nil {
		m.log.Error("dropping reply", zap.Uint32("peer", uint32(to)), zap.Error(err))
	}
}

// countReply removes one peer from the pending set and promotes the
// node to Held when the set drains.
func (m *Mutex) countReply(from lamport.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[from]; !ok {
		return fmt.Errorf("%w: peer %d in state %s", ErrStrayReply, from, m.state)
	}
	delete(m.pending, from)
	if len(m.pending) == 0 && m.state == Wanted {
		m.state = Held
		m.events.Transition(Wanted, Held, m.bid, m.seq)
		close(m.granted)
	}
	return nil
}

// Release gives the resource up: it answers every parked request, then
// notifies all peers. Notification failures are logged and otherwise
// ignored. It returns ErrWrongState if the node does not hold the
// resource.
func (m *Mutex) Release() error {
	m.mu.Lock()
	if m.state != Held {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: release while %s", ErrWrongState, state)
	}
	bid := m.bid
	seq := m.seq
	m.state = Released
	m.bid = lamport.Stamp{}
	m.pending = nil
	m.granted = nil
	waiting := m.deferred
	m.deferred = make(map[lamport.NodeID][]chan struct{})
	m.events.Transition(Held, Released, bid, seq)
	m.mu.Unlock()

	at := m.clock.Tick()

	for id, parked := range waiting {
		for _, wake := range parked {
			close(wake)
			m.events.Flushed(id)
		}
		m.log.Info("answered deferred request",
			zap.Uint32("peer", uint32(id)),
			zap.Int("parked", len(parked)),
			zap.Uint64("seq", seq))
	}

	var g errgroup.Group
	for _, id := range m.others {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			if err := m.out.ReleaseAccess(ctx, id, at, seq); err != nil {
				m.log.Warn("release notice failed",
					zap.Uint32("peer", uint32(id)),
					zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	m.log.Info("released access",
		zap.Uint64("ts", uint64(at)),
		zap.Uint64("seq", seq))
	return nil
}

// HandleRequest answers a peer's bid. It merges the bid's timestamp
// into the local clock, then either grants immediately or parks until
// the local node releases. The returned time goes into the granting
// reply. If ctx expires while parked the request is dropped and the
// context error returned; the requester has already moved on.
func (m *Mutex) HandleRequest(ctx context.Context, from lamport.NodeID, at lamport.Time, seq uint64) (lamport.Time, error) {
	now := m.clock.Observe(at)
	theirs := lamport.Stamp{Time: at, Node: from}

	m.mu.Lock()
	park := m.state == Held || (m.state == Wanted && m.bid.Precedes(theirs))
	if !park {
		m.mu.Unlock()
		m.log.Debug("granting access",
			zap.Stringer("theirs", theirs),
			zap.Uint64("seq", seq))
		return now, nil
	}
	wake := make(chan struct{})
	m.deferred[from] = append(m.deferred[from], wake)
	state := m.state
	mine := m.bid
	m.mu.Unlock()

	m.events.Deferred(from, theirs)
	m.log.Info("deferring reply",
		zap.Stringer("theirs", theirs),
		zap.Stringer("mine", mine),
		zap.Stringer("state", state),
		zap.Uint64("seq", seq))

	select {
	case <-wake:
		return m.clock.Tick(), nil
	case <-ctx.Done():
		m.abandon(from, wake)
		m.log.Warn("requester gave up on deferred request",
			zap.Stringer("theirs", theirs),
			zap.Error(ctx.Err()))
		return 0, ctx.Err()
	}
}

// abandon removes one parked channel after its requester disconnected,
// so a later release does not touch it.
func (m *Mutex) abandon(from lamport.NodeID, wake chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parked := m.deferred[from]
	for i, ch := range parked {
		if ch == wake {
			m.deferred[from] = append(parked[:i], parked[i+1:]...)
			break
		}
	}
	if len(m.deferred[from]) == 0 {
		delete(m.deferred, from)
	}
}

// HandleRelease merges a release notice's timestamp into the local
// clock. The notice is informational: deferred replies owed to this
// node arrive through the pending RequestAccess calls, not here.
func (m *Mutex) HandleRelease(from lamport.NodeID, at lamport.Time, seq uint64) lamport.Time {
	now := m.clock.Observe(at)
	m.log.Debug("peer released access",
		zap.Uint32("peer", uint32(from)),
		zap.Uint64("ts", uint64(at)),
		zap.Uint64("seq", seq))
	return now
}

// Snapshot copies the current engine state.
func (m *Mutex) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	parked := 0
	for _, chans := range m.deferred {
		parked += len(chans)
	}
	return Snapshot{
		State:    m.state,
		Bid:      m.bid,
		Sequence: m.seq,
		Pending:  len(m.pending),
		Deferred: parked,
	}
}

// State reports the node's current protocol state.
func (m *Mutex) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
