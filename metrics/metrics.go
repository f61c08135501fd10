// Package metrics exposes the mesh's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds one node's collectors.
type Set struct {
	registry *prometheus.Registry

	// Acquisitions counts completed acquire calls.
	Acquisitions prometheus.Counter
	// Releases counts completed release calls.
	Releases prometheus.Counter
	// DeferredReplies counts inbound requests parked for later.
	DeferredReplies prometheus.Counter
	// ImplicitGrants counts peer replies that timed out or failed and
	// were counted as granted. Non-zero values flag the protocol's
	// known liveness-over-safety fallback firing.
	ImplicitGrants prometheus.Counter
	// DroppedMessages counts inbound messages rejected before touching
	// protocol state (unknown sender, undecodable payload).
	DroppedMessages prometheus.Counter
	// MutexState is the current protocol state: 0 released, 1 wanted,
	// 2 held.
	MutexState prometheus.Gauge
	// AcquireSeconds observes the wall time from requesting access to
	// entering the critical section.
	AcquireSeconds prometheus.Histogram
	// PrintJobs counts jobs submitted to the print service.
	PrintJobs prometheus.Counter
}

// New builds a Set on its own registry, so tests and multi-node
// processes never collide on collector names.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		Acquisitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "printmesh_acquisitions_total",
			Help: "Completed critical-section acquisitions.",
		}),
		Releases: factory.NewCounter(prometheus.CounterOpts{
			Name: "printmesh_releases_total",
			Help: "Completed critical-section releases.",
		}),
		DeferredReplies: factory.NewCounter(prometheus.CounterOpts{
			Name: "printmesh_deferred_replies_total",
			Help: "Inbound access requests parked until release.",
		}),
		ImplicitGrants: factory.NewCounter(prometheus.CounterOpts{
			Name: "printmesh_implicit_grants_total",
			Help: "Peer replies that timed out and were counted as granted.",
		}),
		DroppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "printmesh_dropped_messages_total",
			Help: "Inbound messages rejected before reaching the protocol.",
		}),
		MutexState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "printmesh_mutex_state",
			Help: "Protocol state: 0 released, 1 wanted, 2 held.",
		}),
		AcquireSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "printmesh_acquire_seconds",
			Help:    "Wall time spent acquiring the critical section.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		PrintJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "printmesh_print_jobs_total",
			Help: "Jobs submitted to the print service.",
		}),
	}
}

// Handler serves the set in the Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
