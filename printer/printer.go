// Package printer implements the shared print service. It is
// deliberately dumb: one job in, simulated work, one receipt out. The
// mesh's mutual-exclusion protocol is what keeps jobs from overlapping;
// the service only counts overlaps so a broken mesh shows up in the
// logs and metrics instead of passing silently.
package printer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/printmesh/printmesh/lamport"
	"github.com/printmesh/printmesh/wire"
)

// Default bounds for the simulated print duration.
const (
	DefaultMinWork = 2 * time.Second
	DefaultMaxWork = 3 * time.Second
)

// Config carries the service's tunables.
type Config struct {
	Logger  *zap.Logger   // zap.NewNop() if nil
	MinWork time.Duration // lower bound of simulated work; DefaultMinWork if zero
	MaxWork time.Duration // upper bound; DefaultMaxWork if zero
}

// Service implements wire.PrinterServer.
type Service struct {
	log     *zap.Logger
	clock   lamport.Clock
	minWork time.Duration
	maxWork time.Duration

	mu       sync.Mutex
	jobs     uint64
	active   int
	overlaps uint64
}

// New builds a print service.
func New(cfg Config) *Service {
	s := &Service{
		log:     cfg.Logger,
		minWork: cfg.MinWork,
		maxWork: cfg.MaxWork,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.minWork <= 0 {
		s.minWork = DefaultMinWork
	}
	if s.maxWork < s.minWork {
		s.maxWork = s.minWork
	}
	return s
}

// Print performs one job: log it, sleep for a random duration within the
// configured bounds, and acknowledge with the job number. If the
// caller's context expires mid-job the work is abandoned and the context
// error returned.
func (s *Service) Print(ctx context.Context, job *wire.PrintJob) (*wire.PrintReceipt, error) {
	now := s.clock.Observe(job.Timestamp)

	s.mu.Lock()
	s.jobs++
	n := s.jobs
	s.active++
	if s.active > 1 {
		s.overlaps++
		s.log.Warn("concurrent print jobs, exclusion protocol violated upstream",
			zap.Int("active", s.active),
			zap.String("job_id", job.JobID))
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	work := s.workDuration()
	s.log.Info("printing",
		zap.Uint64("job", n),
		zap.Uint32("from", uint32(job.From)),
		zap.Uint64("seq", job.Sequence),
		zap.Uint64("ts", uint64(now)),
		zap.String("content", job.Content),
		zap.Duration("work", work))

	timer := time.NewTimer(work)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		s.log.Warn("job abandoned", zap.Uint64("job", n), zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}

	return &wire.PrintReceipt{
		OK:        true,
		Message:   fmt.Sprintf("job %d for node %d printed", n, job.From),
		JobNumber: n,
		Timestamp: s.clock.Tick(),
	}, nil
}

func (s *Service) workDuration() time.Duration {
	if s.maxWork == s.minWork {
		return s.minWork
	}
	return s.minWork + rand.N(s.maxWork-s.minWork)
}

// Jobs is the number of jobs accepted so far.
func (s *Service) Jobs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs
}

// Overlaps counts jobs that arrived while another was in progress. Any
// non-zero value means a caller broke the exclusion protocol.
func (s *Service) Overlaps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps
}
