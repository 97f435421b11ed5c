// Package observability holds the engine's Prometheus metrics. Metrics are
// registered on the default registry; cmd/heartwood exposes them in watch
// mode behind --metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpdateCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartwood_update_cycles_total",
		Help: "Total number of incremental update cycles run.",
	})

	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heartwood_update_seconds",
		Help:    "Wall time of one full update cycle.",
		Buckets: prometheus.DefBuckets,
	})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heartwood_analysis_seconds",
		Help:    "Time spent analyzing a single declaration.",
		Buckets: prometheus.DefBuckets,
	})

	DeclsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heartwood_decls_total",
		Help: "Live declarations in the declaration table.",
	})

	WorkItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heartwood_work_items_total",
		Help: "Work-queue items processed, by kind.",
	}, []string{"kind"})

	DeletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartwood_decl_deletions_total",
		Help: "Declarations destroyed after becoming unreachable.",
	})

	ErrorsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heartwood_errors_total",
		Help: "Diagnostics outstanding after the most recent update.",
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartwood_watcher_events_total",
		Help: "File system events received by the watcher.",
	})

	RebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartwood_rebuilds_total",
		Help: "Rebuilds triggered in watch mode.",
	})
)
