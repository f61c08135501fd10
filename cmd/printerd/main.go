// Command printerd runs the shared print service. It is intentionally
// dumb: it serves one RPC, simulates the work, and trusts the mesh's
// mutual-exclusion protocol to keep jobs from overlapping.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/printmesh/printmesh/printer"
	"github.com/printmesh/printmesh/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "printerd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("printerd", flag.ContinueOnError)
	var (
		listen  = fs.String("listen", "localhost:50051", "address to serve the print service on")
		minWork = fs.Duration("min-work", printer.DefaultMinWork, "minimum simulated print duration")
		maxWork = fs.Duration("max-work", printer.DefaultMaxWork, "maximum simulated print duration")
		debug   = fs.Bool("debug", false, "verbose, human-readable logging")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("PRINTERD")); err != nil {
		return err
	}

	log, err := newLogger(*debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	svc := printer.New(printer.Config{
		Logger:  log,
		MinWork: *minWork,
		MaxWork: *maxWork,
	})
	srv := grpc.NewServer()
	wire.RegisterPrinterServer(srv, svc)

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			srv.Stop()
		}
	}()

	log.Info("print service up",
		zap.String("listen", lis.Addr().String()),
		zap.Duration("min_work", *minWork),
		zap.Duration("max_work", *maxWork))
	if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	log.Info("print service stopped", zap.Uint64("jobs", svc.Jobs()))
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
