package node

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Default bounds for the pause between automatic print jobs.
const (
	DefaultMinInterval = 5 * time.Second
	DefaultMaxInterval = 10 * time.Second
)

// documents are the canned titles the automatic workload prints.
var documents = []string{
	"Monthly sales report",
	"Confidential document - Project X",
	"Pending task list",
	"Weekly meeting minutes",
	"Commercial proposal 2025",
	"Q4 performance analysis",
	"Service agreement",
	"Operating cost spreadsheet",
}

// Workload submits print jobs at random intervals, simulating a user at
// the node. It runs until ctx is cancelled.
type Workload struct {
	Node        *Node
	MinInterval time.Duration // DefaultMinInterval if zero
	MaxInterval time.Duration // raised to MinInterval if smaller
	Logger      *zap.Logger   // zap.NewNop() if nil
}

// Run loops pause-pick-print until ctx is cancelled. Print failures are
// logged and the loop keeps going; the mesh must outlive a flaky
// printer.
func (w *Workload) Run(ctx context.Context) error {
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}
	minIv := w.MinInterval
	if minIv <= 0 {
		minIv = DefaultMinInterval
	}
	maxIv := w.MaxInterval
	if maxIv < minIv {
		maxIv = minIv
	}

	timer := time.NewTimer(w.pause(minIv, maxIv))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		content := documents[rand.IntN(len(documents))]
		if err := w.Node.PrintDocument(ctx, content); err != nil {
			log.Warn("workload print failed", zap.String("content", content), zap.Error(err))
		}

		timer.Reset(w.pause(minIv, maxIv))
	}
}

func (w *Workload) pause(minIv, maxIv time.Duration) time.Duration {
	if maxIv == minIv {
		return minIv
	}
	return minIv + rand.N(maxIv-minIv)
}
