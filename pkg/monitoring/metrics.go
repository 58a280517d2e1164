package monitoring

import (
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// MetricsConfig configuration for the metrics registry
type MetricsConfig struct {
	Namespace            string `json:"namespace"`
	EnableBuildInfo      bool   `json:"enable_build_info"`
	EnableProcessMetrics bool   `json:"enable_process_metrics"`
	EnableGoMetrics      bool   `json:"enable_go_metrics"`
}

// DefaultMetricsConfig returns default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace:            "dbguard",
		EnableBuildInfo:      true,
		EnableProcessMetrics: true,
		EnableGoMetrics:      true,
	}
}

// MetricsRegistry is the Prometheus registry every component registers
// its series with.
type MetricsRegistry struct {
	registry *prometheus.Registry
	config   *MetricsConfig
}

// NewMetricsRegistry creates a new metrics registry
func NewMetricsRegistry(config *MetricsConfig) *MetricsRegistry {
	if config == nil {
		config = DefaultMetricsConfig()
	}

	registry := prometheus.NewRegistry()
	if config.EnableProcessMetrics {
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if config.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
	}
	if config.EnableBuildInfo {
		registry.MustRegister(collectors.NewBuildInfoCollector())
	}

	return &MetricsRegistry{registry: registry, config: config}
}

// Registerer is where components register their series.
func (r *MetricsRegistry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer exposes the registered series.
func (r *MetricsRegistry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorLog:          promLogger{},
		EnableOpenMetrics: true,
	})
}

// RegisterStore exports the counters and file sizes of store.
func (r *MetricsRegistry) RegisterStore(store *storage.SQLiteStore) error {
	return r.registry.Register(NewStoreCollector(r.config.Namespace, store))
}

type promLogger struct{}

func (promLogger) Println(v ...interface{}) {
	log.Error().Interface("details", v).Msg("Failed to serve metrics")
}

// StoreCollector reads a store's counters at scrape time.
type StoreCollector struct {
	store *storage.SQLiteStore

	queries      *prometheus.Desc
	transactions *prometheus.Desc
	errors       *prometheus.Desc
	checkpoints  *prometheus.Desc
	databaseSize *prometheus.Desc
	walSize      *prometheus.Desc
}

// NewStoreCollector describes the series of store under namespace.
func NewStoreCollector(namespace string, store *storage.SQLiteStore) *StoreCollector {
	labels := prometheus.Labels{"database": store.Paths().Main}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", name), help, nil, labels)
	}
	return &StoreCollector{
		store:        store,
		queries:      desc("queries_total", "Statements executed"),
		transactions: desc("transactions_total", "Transactions started"),
		errors:       desc("errors_total", "Failed statements and transactions"),
		checkpoints:  desc("checkpoints_total", "WAL checkpoints attempted"),
		databaseSize: desc("database_bytes", "Size of the main database file"),
		walSize:      desc("wal_bytes", "Size of the write-ahead log"),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queries
	ch <- c.transactions
	ch <- c.errors
	ch <- c.checkpoints
	ch <- c.databaseSize
	ch <- c.walSize
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.store.GetMetrics()
	ch <- prometheus.MustNewConstMetric(c.queries, prometheus.CounterValue, float64(m.QueryCount))
	ch <- prometheus.MustNewConstMetric(c.transactions, prometheus.CounterValue, float64(m.TransactionCount))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(m.ErrorCount))
	ch <- prometheus.MustNewConstMetric(c.checkpoints, prometheus.CounterValue, float64(m.CheckpointCount))
	ch <- prometheus.MustNewConstMetric(c.databaseSize, prometheus.GaugeValue, float64(m.DatabaseSize))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WALSize))
}

// BuildVersion returns the module version embedded in the binary.
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "dev"
	}
	return info.Main.Version
}
