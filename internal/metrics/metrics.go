// Package metrics exposes engine and harness counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/mxgemm/internal/gemm"
)

const namespace = "mxgemm"

// Run results recorded by RecordRun.
const (
	ResultPass  = "pass"
	ResultFail  = "fail"
	ResultError = "error"
)

// Metrics holds the collectors of one registry. It implements gemm.Observer.
type Metrics struct {
	PhaseDuration    *prometheus.HistogramVec
	TilesComputed    prometheus.Counter
	VerifyMismatches prometheus.Counter
	QuantSaturated   prometheus.Counter
	Runs             *prometheus.CounterVec
}

// New registers the collectors on reg. Passing nil registers nothing, which
// is useful for one-shot CLI runs.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of engine phases",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"phase"}),
		TilesComputed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_computed_total",
			Help:      "Total number of output tiles computed",
		}),
		VerifyMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_mismatches_total",
			Help:      "Total number of output elements that differed from the reference",
		}),
		QuantSaturated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quant_saturated_total",
			Help:      "Total number of weights clamped to the nibble range during quantization",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of harness runs by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObservePhase(phase gemm.Phase, d time.Duration) {
	m.PhaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

func (m *Metrics) ObserveTiles(n int) {
	m.TilesComputed.Add(float64(n))
}

func (m *Metrics) RecordSaturated(n int) {
	if n > 0 {
		m.QuantSaturated.Add(float64(n))
	}
}

// RecordRun counts one harness run and its mismatches.
func (m *Metrics) RecordRun(result string, mismatches int) {
	m.Runs.WithLabelValues(result).Inc()
	if mismatches > 0 {
		m.VerifyMismatches.Add(float64(mismatches))
	}
}

var _ gemm.Observer = (*Metrics)(nil)
