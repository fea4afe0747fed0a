// Package telemetry wires an hnsw.Index's Subscribe hook into Prometheus
// metrics, in the style of this codebase's other *Metrics/*Registry
// wrappers: one struct holding pre-registered collectors, one
// constructor, one method that records a single event.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vectorlattice/hnswindex/pkg/hnsw"
)

// Metrics records hnsw.Event values as Prometheus metrics. It holds no
// reference to the Index it observes; attach it via Index.Subscribe.
type Metrics struct {
	opsTotal    *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	nodeCount   prometheus.Gauge
	errorsTotal *prometheus.CounterVec
}

// NewPrometheusObserver registers Metrics' collectors on reg and returns
// a Metrics ready to pass to hnsw.Index.Subscribe via its Record method.
func NewPrometheusObserver(reg prometheus.Registerer) *Metrics {
	o := &Metrics{
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnsw_operations_total",
			Help: "Total HNSW index operations by type and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hnsw_operation_duration_seconds",
			Help:    "HNSW index operation duration by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		nodeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hnsw_node_count",
			Help: "Current live node count in the index.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnsw_operation_errors_total",
			Help: "HNSW index operation errors by type.",
		}, []string{"op"}),
	}
	reg.MustRegister(o.opsTotal, o.opDuration, o.nodeCount, o.errorsTotal)
	return o
}

// Record is an hnsw.Event subscriber; pass Metrics.Record directly to
// Index.Subscribe.
func (o *Metrics) Record(ev hnsw.Event) {
	outcome := "ok"
	if ev.Err != nil {
		outcome = "error"
		o.errorsTotal.WithLabelValues(ev.Op).Inc()
	}
	o.opsTotal.WithLabelValues(ev.Op, outcome).Inc()
	o.opDuration.WithLabelValues(ev.Op).Observe(ev.Duration.Seconds())
}

// SetNodeCount updates the node-count gauge. Call periodically (e.g.
// from a ticker alongside Index.Stats) since Event carries no count.
func (o *Metrics) SetNodeCount(n int) {
	o.nodeCount.Set(float64(n))
}
