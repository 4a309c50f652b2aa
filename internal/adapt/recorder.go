package adapt

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PassReport summarises one adaptation pass.
type PassReport struct {
	Created int
	Removed int
	Cells   int
	Elapsed time.Duration
}

// Recorder receives a report after every adaptation pass.
type Recorder interface {
	RecordPass(PassReport)
}

// PassMetrics accumulates pass reports with atomic counters.
type PassMetrics struct {
	passes  atomic.Int64
	created atomic.Int64
	removed atomic.Int64
	cells   atomic.Int64
	elapsed atomic.Int64
}

// PassMetricsSnapshot is a point-in-time copy of PassMetrics.
type PassMetricsSnapshot struct {
	Passes  int64         `json:"passes"`
	Created int64         `json:"created"`
	Removed int64         `json:"removed"`
	Cells   int64         `json:"cells"`
	Elapsed time.Duration `json:"elapsed"`
}

func (m *PassMetrics) RecordPass(r PassReport) {
	m.passes.Add(1)
	m.created.Add(int64(r.Created))
	m.removed.Add(int64(r.Removed))
	m.cells.Store(int64(r.Cells))
	m.elapsed.Add(int64(r.Elapsed))
}

func (m *PassMetrics) Snapshot() PassMetricsSnapshot {
	return PassMetricsSnapshot{
		Passes:  m.passes.Load(),
		Created: m.created.Load(),
		Removed: m.removed.Load(),
		Cells:   m.cells.Load(),
		Elapsed: time.Duration(m.elapsed.Load()),
	}
}

func (m *PassMetrics) Reset() {
	m.passes.Store(0)
	m.created.Store(0)
	m.removed.Store(0)
	m.cells.Store(0)
	m.elapsed.Store(0)
}

// PrometheusRecorder exports pass reports as Prometheus metrics.
type PrometheusRecorder struct {
	passes   prometheus.Counter
	created  prometheus.Counter
	removed  prometheus.Counter
	duration prometheus.Histogram
	cells    prometheus.Gauge
}

// NewPrometheusRecorder registers the adaptation metrics with reg. A nil reg
// uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		passes: factory.NewCounter(prometheus.CounterOpts{
			Name: "amrtree_adapt_passes_total",
			Help: "Adaptation passes run",
		}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Name: "amrtree_adapt_cells_created_total",
			Help: "Cells created by refinement",
		}),
		removed: factory.NewCounter(prometheus.CounterOpts{
			Name: "amrtree_adapt_cells_removed_total",
			Help: "Cells removed by coarsening",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "amrtree_adapt_pass_duration_seconds",
			Help:    "Time to run one adaptation pass",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		}),
		cells: factory.NewGauge(prometheus.GaugeOpts{
			Name: "amrtree_tree_cells",
			Help: "Live cells after the last adaptation pass",
		}),
	}
}

func (r *PrometheusRecorder) RecordPass(p PassReport) {
	r.passes.Inc()
	r.created.Add(float64(p.Created))
	r.removed.Add(float64(p.Removed))
	r.duration.Observe(p.Elapsed.Seconds())
	r.cells.Set(float64(p.Cells))
}
