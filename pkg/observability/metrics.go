// Package observability exposes the service's Prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRuns counts completed sync attempts by result
	// (ok, transient, divergence, error, coalesced).
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmesh_sync_runs_total",
		Help: "Completed replica sync attempts by result.",
	}, []string{"result"})

	// SyncDuration observes wall time of successful syncs.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mindmesh_sync_duration_seconds",
		Help:    "Duration of successful replica syncs.",
		Buckets: prometheus.DefBuckets,
	})

	// Broadcasts counts change notifications by channel and result.
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmesh_broadcasts_total",
		Help: "Change notifications by delivery channel and result.",
	}, []string{"channel", "result"})

	// WebsocketConnections tracks currently connected subscribers.
	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmesh_websocket_connections",
		Help: "Currently connected websocket subscribers.",
	})
)
