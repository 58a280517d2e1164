package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry(nil)
	assert.Equal(t, DefaultMetricsConfig(), registry.config)

	families, err := registry.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["go_build_info"])

	bare := NewMetricsRegistry(&MetricsConfig{Namespace: "bare"})
	families, err = bare.Gatherer().Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry(&MetricsConfig{Namespace: "test"})
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_events_total", Help: "Events"})
	require.NoError(t, registry.Registerer().Register(counter))
	counter.Add(3)

	server := httptest.NewServer(registry.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_events_total 3")
}

func TestStoreCollector(t *testing.T) {
	store := openHealthStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Exec(ctx, "INSERT INTO t (v) VALUES (?)", strings.Repeat("x", 100))
		require.NoError(t, err)
	}

	registry := NewMetricsRegistry(&MetricsConfig{Namespace: "dbguard"})
	require.NoError(t, registry.RegisterStore(store))
	assert.Error(t, registry.RegisterStore(store), "a store registers once")

	collector := NewStoreCollector("dbguard", store)
	assert.Equal(t, 6, testutil.CollectAndCount(collector))

	m := store.GetMetrics()
	expected := `
# HELP dbguard_store_errors_total Failed statements and transactions
# TYPE dbguard_store_errors_total counter
dbguard_store_errors_total{database="` + store.Paths().Main + `"} 0
`
	require.Zero(t, m.ErrorCount)
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "dbguard_store_errors_total"))

	count, err := testutil.GatherAndCount(registry.Gatherer(), "dbguard_store_wal_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBuildVersion(t *testing.T) {
	assert.NotEmpty(t, BuildVersion())
}
