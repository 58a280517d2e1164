package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus series exported by a Scheduler. A nil
// *Metrics records nothing.
type Metrics struct {
	attempts  *prometheus.CounterVec
	duration  prometheus.Histogram
	budget    prometheus.Gauge
	walFrames prometheus.Gauge
}

// NewMetrics registers the checkpoint series with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbguard_checkpoint_attempts_total",
			Help: "Truncating checkpoint attempts by mode and result",
		}, []string{"mode", "result"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbguard_checkpoint_duration_seconds",
			Help:    "Duration of truncating checkpoints",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		budget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dbguard_checkpoint_budget_writes",
			Help: "Write transactions remaining before the next checkpoint is scheduled",
		}),
		walFrames: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dbguard_checkpoint_wal_frames",
			Help: "WAL frames reported by the most recent checkpoint",
		}),
	}
}

func (m *Metrics) observe(mode, result string, seconds float64, logFrames int) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(mode, result).Inc()
	m.duration.Observe(seconds)
	if result == resultSuccess {
		m.walFrames.Set(float64(logFrames))
	}
}

func (m *Metrics) setBudget(budget int) {
	if m == nil {
		return
	}
	m.budget.Set(float64(budget))
}
