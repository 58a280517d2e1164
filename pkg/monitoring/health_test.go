package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbguard/pkg/corruption"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

type mockHealthChecker struct {
	name      string
	checkType CheckType
	critical  bool
	statuses  []HealthStatus
	calls     atomic.Int32
}

func (m *mockHealthChecker) Name() string         { return m.name }
func (m *mockHealthChecker) CheckType() CheckType { return m.checkType }
func (m *mockHealthChecker) IsCritical() bool     { return m.critical }

func (m *mockHealthChecker) Check(ctx context.Context) HealthCheckResult {
	n := int(m.calls.Add(1)) - 1
	if n >= len(m.statuses) {
		n = len(m.statuses) - 1
	}
	return HealthCheckResult{Status: m.statuses[n], Message: "mock"}
}

func testHealthConfig() *HealthConfig {
	config := DefaultHealthConfig()
	config.RetryAttempts = 0
	config.RetryDelay = time.Millisecond
	config.Timeout = 5 * time.Second
	return config
}

func openHealthStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	config := storage.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "health.sqlite")
	store, err := storage.Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Exec(context.Background(), "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	return store
}

func TestNewHealthRegistry_Validation(t *testing.T) {
	config := testHealthConfig()
	config.MaxConcurrentChecks = 0
	_, err := NewHealthRegistry(config, nil)
	assert.Error(t, err)

	config = testHealthConfig()
	config.Timeout = 0
	_, err = NewHealthRegistry(config, nil)
	assert.Error(t, err)

	hr, err := NewHealthRegistry(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultHealthConfig(), hr.config)
}

func TestHealthRegistry_CalculateOverallHealth(t *testing.T) {
	tests := []struct {
		name     string
		checkers []*mockHealthChecker
		expected HealthStatus
	}{
		{
			name:     "no checkers",
			expected: HealthStatusHealthy,
		},
		{
			name: "all healthy",
			checkers: []*mockHealthChecker{
				{name: "a", critical: true, statuses: []HealthStatus{HealthStatusHealthy}},
				{name: "b", statuses: []HealthStatus{HealthStatusHealthy}},
			},
			expected: HealthStatusHealthy,
		},
		{
			name: "non-critical failure degrades",
			checkers: []*mockHealthChecker{
				{name: "a", critical: true, statuses: []HealthStatus{HealthStatusHealthy}},
				{name: "b", statuses: []HealthStatus{HealthStatusUnhealthy}},
			},
			expected: HealthStatusDegraded,
		},
		{
			name: "critical failure is unhealthy",
			checkers: []*mockHealthChecker{
				{name: "a", critical: true, statuses: []HealthStatus{HealthStatusUnhealthy}},
				{name: "b", statuses: []HealthStatus{HealthStatusDegraded}},
			},
			expected: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hr, err := NewHealthRegistry(testHealthConfig(), nil)
			require.NoError(t, err)
			for _, c := range tt.checkers {
				hr.RegisterChecker(c)
			}

			health := hr.CheckHealth(context.Background())
			assert.Equal(t, tt.expected, health.Status)
			assert.Equal(t, len(tt.checkers), health.Summary.TotalChecks)
			assert.Len(t, health.ComponentHealth, len(tt.checkers))
		})
	}
}

func TestHealthRegistry_Retries(t *testing.T) {
	config := testHealthConfig()
	config.RetryAttempts = 2
	hr, err := NewHealthRegistry(config, nil)
	require.NoError(t, err)

	flaky := &mockHealthChecker{
		name:     "flaky",
		critical: true,
		statuses: []HealthStatus{HealthStatusUnhealthy, HealthStatusHealthy},
	}
	hr.RegisterChecker(flaky)

	health := hr.CheckHealth(context.Background())
	assert.Equal(t, HealthStatusHealthy, health.Status)
	assert.Equal(t, 1, health.ComponentHealth["flaky"].Retries)
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestHealthRegistry_FilterAndUnregister(t *testing.T) {
	metrics := NewMetricsRegistry(&MetricsConfig{Namespace: "test"})
	hr, err := NewHealthRegistry(testHealthConfig(), metrics)
	require.NoError(t, err)

	hr.RegisterChecker(&mockHealthChecker{name: "db", checkType: CheckTypeDatabase, statuses: []HealthStatus{HealthStatusHealthy}})
	hr.RegisterChecker(&mockHealthChecker{name: "disk", checkType: CheckTypeResource, statuses: []HealthStatus{HealthStatusDegraded}})

	health := hr.CheckHealth(context.Background(), CheckTypeDatabase)
	assert.Len(t, health.ComponentHealth, 1)
	assert.Contains(t, health.ComponentHealth, "db")

	hr.CheckHealth(context.Background())
	assert.Equal(t, 2, testutil.CollectAndCount(hr.status))
	assert.Equal(t, 0.5, testutil.ToFloat64(hr.status.WithLabelValues("disk")))

	hr.UnregisterChecker("disk")
	health = hr.CheckHealth(context.Background())
	assert.Len(t, health.ComponentHealth, 1)
	assert.Equal(t, 1, testutil.CollectAndCount(hr.status))
}

func TestHealthRegistry_Handler(t *testing.T) {
	hr, err := NewHealthRegistry(testHealthConfig(), nil)
	require.NoError(t, err)
	checker := &mockHealthChecker{name: "db", critical: true, statuses: []HealthStatus{HealthStatusHealthy}}
	hr.RegisterChecker(checker)

	rec := httptest.NewRecorder()
	hr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, HealthStatusHealthy, health.Status)

	checker.statuses = []HealthStatus{HealthStatusUnhealthy}
	hr.config.EnableDetailedStatus = false
	rec = httptest.NewRecorder()
	hr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var simple map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &simple))
	assert.Equal(t, "unhealthy", simple["status"])
	assert.NotContains(t, simple, "component_health")
}

func TestDatabaseHealthChecker(t *testing.T) {
	store := openHealthStore(t)
	checker := NewDatabaseHealthChecker(store)

	result := checker.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, result.Status)

	require.NoError(t, store.Close())
	result = checker.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestCorruptionHealthChecker(t *testing.T) {
	tracker := corruption.NewTracker(corruption.NewMemorySettings())
	checker := NewCorruptionHealthChecker(tracker)
	ctx := context.Background()

	assert.Equal(t, HealthStatusHealthy, checker.Check(ctx).Status)

	tracker.MarkCorrupted()
	assert.Equal(t, HealthStatusUnhealthy, checker.Check(ctx).Status)

	tracker.MarkRestored()
	result := checker.Check(ctx)
	assert.Equal(t, HealthStatusDegraded, result.Status)
	assert.Equal(t, corruption.CorruptedAndRestored.String(), result.Details["state"])

	tracker.MarkNotCorrupted()
	assert.Equal(t, HealthStatusHealthy, checker.Check(ctx).Status)
}

func TestWALSizeHealthChecker(t *testing.T) {
	store := openHealthStore(t)
	ctx := context.Background()

	config := testHealthConfig()
	assert.Equal(t, HealthStatusHealthy, NewWALSizeHealthChecker(store, config).Check(ctx).Status)

	_, err := store.Exec(ctx, "INSERT INTO t (v) VALUES (?)", "some row")
	require.NoError(t, err)
	require.Greater(t, store.GetMetrics().WALSize, int64(0))

	config.WALWarningBytes = 1
	config.WALCriticalBytes = 1 << 40
	assert.Equal(t, HealthStatusDegraded, NewWALSizeHealthChecker(store, config).Check(ctx).Status)

	config.WALCriticalBytes = 1
	assert.Equal(t, HealthStatusUnhealthy, NewWALSizeHealthChecker(store, config).Check(ctx).Status)
}

func TestDiskHealthChecker(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "disk.sqlite")
	ctx := context.Background()

	config := testHealthConfig()
	config.DiskWarningBytes = 0
	config.DiskCriticalBytes = 0
	result := NewDiskHealthChecker(dbPath, config).Check(ctx)
	assert.Equal(t, HealthStatusHealthy, result.Status)
	assert.Contains(t, result.Details, "available_bytes")

	config.DiskWarningBytes = ^uint64(0)
	assert.Equal(t, HealthStatusDegraded, NewDiskHealthChecker(dbPath, config).Check(ctx).Status)

	config.DiskCriticalBytes = ^uint64(0)
	assert.Equal(t, HealthStatusUnhealthy, NewDiskHealthChecker(dbPath, config).Check(ctx).Status)
}
