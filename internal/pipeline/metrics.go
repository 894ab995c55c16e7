package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by a build.
type Metrics struct {
	Tasks         *prometheus.CounterVec
	RowsMapped    prometheus.Counter
	RowsRouted    prometheus.Counter
	RowsSkipped   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Partitions    prometheus.Gauge
}

// NewMetrics registers the build collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skytile_tasks_total",
			Help: "Stage tasks by outcome.",
		}, []string{"stage", "outcome"}),
		RowsMapped: f.NewCounter(prometheus.CounterOpts{
			Name: "skytile_rows_mapped_total",
			Help: "Records counted into partial histograms.",
		}),
		RowsRouted: f.NewCounter(prometheus.CounterOpts{
			Name: "skytile_rows_routed_total",
			Help: "Records written to shard files.",
		}),
		RowsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skytile_rows_skipped_total",
			Help: "Records dropped because their coordinates could not be resolved.",
		}, []string{"stage"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skytile_stage_duration_seconds",
			Help:    "Wall time of each stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		Partitions: f.NewGauge(prometheus.GaugeOpts{
			Name: "skytile_partitions",
			Help: "Destination partitions of the current build, existing and new.",
		}),
	}
}
