// Package metrics holds the process-wide Prometheus collectors, exposed on
// GET /metrics by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shelltender",
		Name:      "sessions_active",
		Help:      "Number of live PTY sessions.",
	})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shelltender",
		Name:      "clients_connected",
		Help:      "Number of connected websocket clients.",
	})

	BytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender",
		Name:      "bytes_processed_total",
		Help:      "Bytes appended to session buffers after pipeline processing.",
	})

	ChunksBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender",
		Name:      "chunks_blocked_total",
		Help:      "Chunks rejected by a pipeline filter.",
	})

	ChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender",
		Name:      "chunks_dropped_total",
		Help:      "Chunks dropped by a pipeline processor.",
	})

	PatternsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender",
		Name:      "patterns_registered_total",
		Help:      "Patterns registered over the lifetime of the process.",
	})

	PatternMatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shelltender",
		Name:      "pattern_matches_total",
		Help:      "Pattern match events emitted.",
	})
)
