// Package node glues one mesh peer together: the mutual-exclusion
// engine, the gRPC server peers call into, the outbound clients to
// every peer, and the print workflow that brackets each job with
// acquire and release.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/printmesh/printmesh/lamport"
	"github.com/printmesh/printmesh/metrics"
	"github.com/printmesh/printmesh/mutex"
	"github.com/printmesh/printmesh/peers"
	"github.com/printmesh/printmesh/trace"
	"github.com/printmesh/printmesh/wire"
)

// DefaultPrintTimeout bounds one call to the print service.
const DefaultPrintTimeout = 10 * time.Second

// Config carries everything a Node needs.
type Config struct {
	Registry     *peers.Registry
	PrinterAddr  string
	RPCTimeout   time.Duration // per-peer budget; mutex.DefaultTimeout if zero
	PrintTimeout time.Duration // per-job budget; DefaultPrintTimeout if zero
	Logger       *zap.Logger   // zap.NewNop() if nil
	Metrics      *metrics.Set  // fresh private set if nil
	Trace        *trace.Recorder
}

// Node is one mesh peer.
type Node struct {
	log     *zap.Logger
	reg     *peers.Registry
	clock   *lamport.Clock
	mtx     *mutex.Mutex
	metrics *metrics.Set
	trace   *trace.Recorder
	server  *grpc.Server

	printTimeout time.Duration
	printerConn  *grpc.ClientConn
	printer      *wire.PrinterClient

	connsMu sync.Mutex
	conns   map[lamport.NodeID]*grpc.ClientConn
	peers   map[lamport.NodeID]*wire.ExclusionClient
}

// New wires a node from cfg. Peer and printer connections are created
// up front but dialed lazily on first use.
func New(cfg Config) (*Node, error) {
	if cfg.Registry == nil {
		return nil, errors.New("node: config needs a registry")
	}
	if cfg.PrinterAddr == "" {
		return nil, errors.New("node: config needs a printer address")
	}
	n := &Node{
		log:          cfg.Logger,
		reg:          cfg.Registry,
		clock:        new(lamport.Clock),
		metrics:      cfg.Metrics,
		trace:        cfg.Trace,
		printTimeout: cfg.PrintTimeout,
		conns:        make(map[lamport.NodeID]*grpc.ClientConn),
		peers:        make(map[lamport.NodeID]*wire.ExclusionClient),
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	n.log = n.log.With(zap.Uint32("node", uint32(cfg.Registry.Self().ID)))
	if n.metrics == nil {
		n.metrics = metrics.New()
	}
	if n.printTimeout <= 0 {
		n.printTimeout = DefaultPrintTimeout
	}

	for _, ep := range cfg.Registry.Others() {
		conn, err := grpc.NewClient(ep.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("node: connect peer %s: %w", ep, err)
		}
		n.conns[ep.ID] = conn
		n.peers[ep.ID] = wire.NewExclusionClient(conn)
	}
	printerConn, err := grpc.NewClient(cfg.PrinterAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("node: connect printer %s: %w", cfg.PrinterAddr, err)
	}
	n.printerConn = printerConn
	n.printer = wire.NewPrinterClient(printerConn)

	m, err := mutex.New(mutex.Config{
		Self:      cfg.Registry.Self().ID,
		Others:    cfg.Registry.OtherIDs(),
		Clock:     n.clock,
		Transport: transport{n},
		Timeout:   cfg.RPCTimeout,
		Logger:    n.log,
		Events:    eventSink{n},
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.mtx = m

	n.server = grpc.NewServer()
	wire.RegisterExclusionServer(n.server, exclusionService{n})
	return n, nil
}

// Serve answers peer traffic on lis until Shutdown or a fatal listener
// error.
func (n *Node) Serve(lis net.Listener) error {
	n.log.Info("serving peers", zap.String("addr", lis.Addr().String()))
	if err := n.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("node: serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the registry's own address and serves.
func (n *Node) ListenAndServe() error {
	lis, err := net.Listen("tcp", n.reg.Self().Addr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", n.reg.Self().Addr, err)
	}
	return n.Serve(lis)
}

// Run serves until ctx is cancelled, then shuts down.
func (n *Node) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.reg.Self().Addr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", n.reg.Self().Addr, err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Serve(lis) })
	g.Go(func() error {
		<-ctx.Done()
		n.Shutdown(5 * time.Second)
		return nil
	})
	return g.Wait()
}

// Shutdown stops serving. It drains in-flight handlers gracefully for
// up to grace, then cuts the remainder: a deferred reply parked behind
// a holder that never releases must not wedge the shutdown.
func (n *Node) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		n.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		n.log.Warn("graceful stop timed out, forcing")
		n.server.Stop()
		<-done
	}
}

// Close releases the node's client connections.
func (n *Node) Close() error {
	n.connsMu.Lock()
	defer n.connsMu.Unlock()
	var firstErr error
	for id, conn := range n.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.conns, id)
	}
	if n.printerConn != nil {
		if err := n.printerConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.printerConn = nil
	}
	return firstErr
}

// State reports the node's current protocol state.
func (n *Node) State() mutex.State { return n.mtx.State() }

// Snapshot copies the protocol engine's current state.
func (n *Node) Snapshot() mutex.Snapshot { return n.mtx.Snapshot() }

// PrintDocument runs one full cycle: acquire the mesh-wide mutex, send
// the job to the print service, release. A print failure is returned to
// the caller but never skips the release, so a broken printer cannot
// starve the other nodes.
func (n *Node) PrintDocument(ctx context.Context, content string) error {
	start := time.Now()
	if err := n.mtx.Acquire(); err != nil {
		return err
	}
	n.metrics.AcquireSeconds.Observe(time.Since(start).Seconds())

	printErr := n.submitJob(ctx, content)

	if err := n.mtx.Release(); err != nil {
		// Nothing below Acquire/Release can legally produce this; the
		// engine is desynchronized and continuing would corrupt it.
		n.log.Error("release failed after print", zap.Error(err))
		return errors.Join(printErr, err)
	}
	return printErr
}

func (n *Node) submitJob(ctx context.Context, content string) error {
	ts := n.clock.Tick()
	seq := n.mtx.Snapshot().Sequence
	n.metrics.PrintJobs.Inc()
	n.recordTrace(trace.Event{Kind: trace.KindPrint, Clock: ts, Seq: seq, Note: content})
	n.log.Info("sending job to printer",
		zap.Uint64("ts", uint64(ts)),
		zap.Uint64("seq", seq),
		zap.String("content", content))

	ctx, cancel := context.WithTimeout(ctx, n.printTimeout)
	defer cancel()
	rcpt, err := n.printer.Print(ctx, &wire.PrintJob{
		From:      n.reg.Self().ID,
		Timestamp: ts,
		Sequence:  seq,
		Content:   content,
	})
	if err != nil {
		n.log.Warn("print failed", zap.Error(err))
		return fmt.Errorf("print: %w", err)
	}
	n.clock.Observe(rcpt.Timestamp)
	if !rcpt.OK {
		n.log.Warn("printer refused job", zap.String("message", rcpt.Message))
		return fmt.Errorf("print: printer refused: %s", rcpt.Message)
	}
	n.log.Info("print confirmed",
		zap.Uint64("job", rcpt.JobNumber),
		zap.String("message", rcpt.Message))
	return nil
}

func (n *Node) recordTrace(ev trace.Event) {
	if err := n.trace.Record(ev); err != nil {
		n.log.Warn("trace write failed", zap.Error(err))
	}
}
