// Command peerd runs one printmesh peer: it serves the peer-to-peer
// mutual-exclusion API, contends for the shared printer, and optionally
// generates an automatic print workload.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/printmesh/printmesh/lamport"
	"github.com/printmesh/printmesh/metrics"
	"github.com/printmesh/printmesh/node"
	"github.com/printmesh/printmesh/peers"
	"github.com/printmesh/printmesh/trace"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "peerd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("peerd", flag.ContinueOnError)
	var (
		id           = fs.Uint("id", 0, "this node's unique ID (required)")
		listen       = fs.String("listen", "", "address to serve peers on, host:port (required)")
		peerList     = fs.String("peers", "", "other peers as id:host:port,id:host:port")
		peersFile    = fs.String("peers-file", "", "HuJSON roster file listing every node, this one included")
		printerAddr  = fs.String("printer", "localhost:50051", "print service address")
		rpcTimeout   = fs.Duration("rpc-timeout", 5*time.Second, "per-peer RPC budget; an unresponsive peer counts as granting after this")
		printTimeout = fs.Duration("print-timeout", node.DefaultPrintTimeout, "per-job print budget")
		tracePath    = fs.String("trace", "", "append protocol events as JSONL to this file")
		metricsAddr  = fs.String("metrics", "", "serve Prometheus metrics on this address")
		auto         = fs.Bool("auto", false, "generate an automatic print workload")
		minInterval  = fs.Duration("min-interval", node.DefaultMinInterval, "minimum pause between automatic jobs")
		maxInterval  = fs.Duration("max-interval", node.DefaultMaxInterval, "maximum pause between automatic jobs")
		debug        = fs.Bool("debug", false, "verbose, human-readable logging")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("PEERD")); err != nil {
		return err
	}
	if *id == 0 {
		return errors.New("-id is required and must be positive")
	}

	log, err := newLogger(*debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	reg, err := buildRegistry(lamport.NodeID(*id), *listen, *peerList, *peersFile)
	if err != nil {
		return err
	}

	var rec *trace.Recorder
	if *tracePath != "" {
		rec, err = trace.Open(*tracePath, reg.Self().ID)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	set := metrics.New()
	nd, err := node.New(node.Config{
		Registry:     reg,
		PrinterAddr:  *printerAddr,
		RPCTimeout:   *rpcTimeout,
		PrintTimeout: *printTimeout,
		Logger:       log,
		Metrics:      set,
		Trace:        rec,
	})
	if err != nil {
		return err
	}
	defer nd.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting peer",
		zap.Uint32("id", uint32(reg.Self().ID)),
		zap.String("listen", reg.Self().Addr),
		zap.Int("mesh_size", reg.Size()),
		zap.String("printer", *printerAddr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return nd.Run(ctx) })
	if *auto {
		g.Go(func() error {
			w := &node.Workload{
				Node:        nd,
				MinInterval: *minInterval,
				MaxInterval: *maxInterval,
				Logger:      log,
			}
			if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if *metricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, *metricsAddr, set) })
	}

	err = g.Wait()
	log.Info("peer stopped")
	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildRegistry resolves the two configuration shapes: a roster file
// covering the whole mesh, or an explicit -listen plus -peers pair.
func buildRegistry(id lamport.NodeID, listen, peerList, peersFile string) (*peers.Registry, error) {
	if peersFile != "" {
		roster, err := peers.LoadRoster(peersFile)
		if err != nil {
			return nil, err
		}
		return peers.FromRoster(id, roster)
	}
	if listen == "" {
		return nil, errors.New("-listen is required without -peers-file")
	}
	if peerList == "" {
		return nil, errors.New("-peers is required without -peers-file")
	}
	others, err := peers.ParseList(peerList)
	if err != nil {
		return nil, err
	}
	return peers.New(peers.Endpoint{ID: id, Addr: listen}, others)
}

func serveMetrics(ctx context.Context, addr string, set *metrics.Set) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", set.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
