package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Clark-Hu/rating-ledger/internal/ledger"
)

// LedgerMetrics records cast and retract outcomes. It implements
// ledger.Recorder.
type LedgerMetrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

var _ ledger.Recorder = (*LedgerMetrics)(nil)

// NewLedgerMetrics creates and registers ledger metrics on reg.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Total number of ledger mutations, by operation, dimension and result.",
		}, []string{"op", "dimension", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Duration of ledger mutations in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"op"}),
	}
	reg.MustRegister(m.Operations, m.Duration)
	return m
}

// Record implements ledger.Recorder.
func (m *LedgerMetrics) Record(op, dimension string, err error, elapsed time.Duration) {
	m.Operations.WithLabelValues(op, dimension, Result(err)).Inc()
	m.Duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Result maps a ledger error onto a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ledger.ErrRerateForbidden):
		return "rerate_forbidden"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrUnknownDimension):
		return "unknown_dimension"
	default:
		return "error"
	}
}
