package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the unit
// lifecycle pipeline.
type Metrics struct {
	RecordsFetched *prometheus.CounterVec // labels: center
	RecordsSkipped *prometheus.CounterVec // labels: reason={malformed,invalid_coordinate,unknown_status,filtered}

	UnitsAllocated     prometheus.Counter
	UnitsReleased      prometheus.Counter
	UnitsReclaimed     prometheus.Counter
	AllocationFailures prometheus.Counter
	Conflicts          prometheus.Counter
	Merges             prometheus.Counter

	ActiveUnits        prometheus.Gauge
	FreePoolSize       prometheus.Gauge
	DeferredRecords    prometheus.Gauge
	NamespaceExhausted prometheus.Gauge
	PipelineRunning    prometheus.Gauge

	DispatchErrors   prometheus.Counter
	DispatchDuration prometheus.Histogram
	CycleDuration    prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RecordsFetched,
		m.RecordsSkipped,
		m.UnitsAllocated,
		m.UnitsReleased,
		m.UnitsReclaimed,
		m.AllocationFailures,
		m.Conflicts,
		m.Merges,
		m.ActiveUnits,
		m.FreePoolSize,
		m.DeferredRecords,
		m.NamespaceExhausted,
		m.PipelineRunning,
		m.DispatchErrors,
		m.DispatchDuration,
		m.CycleDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// call it repeatedly without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "records_fetched_total",
			Help:      "Raw incident records fetched, by center.",
		}, []string{"center"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "records_skipped_total",
			Help:      "Records skipped during normalization, by reason.",
		}, []string{"reason"}),
		UnitsAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "units_allocated_total",
			Help:      "Unit IDs bound to an identity (minted or reused).",
		}),
		UnitsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "units_released_total",
			Help:      "Unit IDs moved into quarantine after a clear.",
		}),
		UnitsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "units_reclaimed_total",
			Help:      "Unit IDs pulled back out of quarantine by a flare-up.",
		}),
		AllocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "allocation_failures_total",
			Help:      "Allocations deferred because the namespace was exhausted.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "conflicts_total",
			Help:      "Reports that disagreed with newer state and were flagged.",
		}),
		Merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "merges_total",
			Help:      "Identity merges performed.",
		}),
		ActiveUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wildfire_units",
			Name:      "active_units",
			Help:      "Identities currently holding an active unit.",
		}),
		FreePoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wildfire_units",
			Name:      "free_pool_size",
			Help:      "Released units in the free pool, quarantined or eligible.",
		}),
		DeferredRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wildfire_units",
			Name:      "deferred_records",
			Help:      "Records waiting on an allocation retry.",
		}),
		NamespaceExhausted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wildfire_units",
			Name:      "namespace_exhausted",
			Help:      "1 while allocations are failing for lack of unit IDs.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wildfire_units",
			Name:      "pipeline_running",
			Help:      "1 when the ingestion loop is active, 0 when shut down.",
		}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wildfire_units",
			Name:      "dispatch_errors_total",
			Help:      "Failed deliveries to the downstream API.",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wildfire_units",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of one delivery to the downstream API.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wildfire_units",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one full fetch-normalize-allocate-dispatch cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}
