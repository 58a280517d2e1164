package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus series exported by recovery. A nil *Metrics
// records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	tables        *prometheus.CounterVec
	rows          *prometheus.CounterVec
	failedRows    *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	progress      prometheus.Gauge
}

// NewMetrics registers the recovery series with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbguard_recovery_runs_total",
			Help: "Dump and restore runs by result",
		}, []string{"result"}),
		tables: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbguard_recovery_tables_total",
			Help: "Tables copied by tier and outcome",
		}, []string{"tier", "outcome"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbguard_recovery_rows_copied_total",
			Help: "Rows copied into the rebuilt database",
		}, []string{"tier"}),
		failedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbguard_recovery_rows_failed_total",
			Help: "Rows that could not be copied",
		}, []string{"tier"}),
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbguard_recovery_phase_duration_seconds",
			Help:    "Duration of dump and restore phases",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
		progress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dbguard_recovery_progress_ratio",
			Help: "Completed fraction of the running dump and restore",
		}),
	}
}

func (m *Metrics) observeRun(result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeTable(tier Tier, result CopyResult) {
	if m == nil {
		return
	}
	m.tables.WithLabelValues(string(tier), result.Outcome.String()).Inc()
	m.rows.WithLabelValues(string(tier)).Add(float64(result.RowsCopied))
	m.failedRows.WithLabelValues(string(tier)).Add(float64(result.FailedRowCount))
}

func (m *Metrics) observePhase(phase Phase, seconds float64) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase)).Observe(seconds)
}

func (m *Metrics) setProgress(fraction float64) {
	if m == nil {
		return
	}
	m.progress.Set(fraction)
}
