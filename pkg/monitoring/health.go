package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/corruption"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeLiveness  CheckType = "liveness"
	CheckTypeReadiness CheckType = "readiness"
	CheckTypeDatabase  CheckType = "database"
	CheckTypeResource  CheckType = "resource"
)

// HealthConfig configuration for health monitoring
type HealthConfig struct {
	Timeout              time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxConcurrentChecks  int           `json:"max_concurrent_checks" yaml:"max_concurrent_checks" mapstructure:"max_concurrent_checks"`
	RetryAttempts        int           `json:"retry_attempts" yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay           time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
	EnableDetailedStatus bool          `json:"enable_detailed_status" yaml:"enable_detailed_status" mapstructure:"enable_detailed_status"`
	// WAL sizes above these thresholds degrade or fail the wal check.
	WALWarningBytes  int64 `json:"wal_warning_bytes" yaml:"wal_warning_bytes" mapstructure:"wal_warning_bytes"`
	WALCriticalBytes int64 `json:"wal_critical_bytes" yaml:"wal_critical_bytes" mapstructure:"wal_critical_bytes"`
	// Free space below these thresholds degrades or fails the disk check.
	DiskWarningBytes  uint64 `json:"disk_warning_bytes" yaml:"disk_warning_bytes" mapstructure:"disk_warning_bytes"`
	DiskCriticalBytes uint64 `json:"disk_critical_bytes" yaml:"disk_critical_bytes" mapstructure:"disk_critical_bytes"`
}

// DefaultHealthConfig returns default health configuration
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		Timeout:              10 * time.Second,
		MaxConcurrentChecks:  4,
		RetryAttempts:        1,
		RetryDelay:           500 * time.Millisecond,
		EnableDetailedStatus: true,
		WALWarningBytes:      64 << 20,
		WALCriticalBytes:     512 << 20,
		DiskWarningBytes:     512 << 20,
		DiskCriticalBytes:    64 << 20,
	}
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	CheckType CheckType              `json:"check_type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Error     string                 `json:"error,omitempty"`
	Retries   int                    `json:"retries"`
	Critical  bool                   `json:"critical"`
}

// OverallHealth represents the overall health status
type OverallHealth struct {
	Status          HealthStatus                 `json:"status"`
	Message         string                       `json:"message"`
	Timestamp       time.Time                    `json:"timestamp"`
	Uptime          time.Duration                `json:"uptime"`
	Version         string                       `json:"version"`
	ComponentHealth map[string]HealthCheckResult `json:"component_health"`
	Summary         *HealthSummary               `json:"summary"`
}

// HealthSummary summarizes health check results
type HealthSummary struct {
	TotalChecks     int `json:"total_checks"`
	HealthyChecks   int `json:"healthy_checks"`
	DegradedChecks  int `json:"degraded_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`
	CriticalChecks  int `json:"critical_checks"`
}

// HealthChecker interface for health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheckResult
	CheckType() CheckType
	IsCritical() bool
}

// HealthRegistry manages health checks
type HealthRegistry struct {
	config    *HealthConfig
	checkers  map[string]HealthChecker
	mu        sync.RWMutex
	startTime time.Time
	status    *prometheus.GaugeVec
}

// NewHealthRegistry creates a new health registry. metrics may be nil.
func NewHealthRegistry(config *HealthConfig, metrics *MetricsRegistry) (*HealthRegistry, error) {
	if config == nil {
		config = DefaultHealthConfig()
	}
	if config.MaxConcurrentChecks <= 0 {
		return nil, fmt.Errorf("max concurrent checks must be positive, got %d", config.MaxConcurrentChecks)
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("health check timeout must be positive, got %s", config.Timeout)
	}

	hr := &HealthRegistry{
		config:    config,
		checkers:  make(map[string]HealthChecker),
		startTime: time.Now(),
	}
	if metrics != nil {
		hr.status = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.config.Namespace,
			Name:      "health_check_status",
			Help:      "1 when the named check is healthy, 0.5 when degraded, 0 otherwise",
		}, []string{"check"})
		if err := metrics.Registerer().Register(hr.status); err != nil {
			return nil, fmt.Errorf("failed to register health metrics: %w", err)
		}
	}
	return hr, nil
}

// RegisterChecker registers a health checker, replacing any of the same name.
func (hr *HealthRegistry) RegisterChecker(checker HealthChecker) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.checkers[checker.Name()] = checker
	log.Debug().Str("checker", checker.Name()).Msg("Health checker registered")
}

// UnregisterChecker removes a health checker
func (hr *HealthRegistry) UnregisterChecker(name string) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	delete(hr.checkers, name)
	if hr.status != nil {
		hr.status.DeleteLabelValues(name)
	}
}

// CheckHealth runs the registered checks, or only those of checkTypes.
func (hr *HealthRegistry) CheckHealth(ctx context.Context, checkTypes ...CheckType) *OverallHealth {
	hr.mu.RLock()
	checkers := make(map[string]HealthChecker)
	for name, checker := range hr.checkers {
		if len(checkTypes) > 0 && !containsCheckType(checkTypes, checker.CheckType()) {
			continue
		}
		checkers[name] = checker
	}
	hr.mu.RUnlock()

	results := hr.runCheckers(ctx, checkers)
	if hr.status != nil {
		for name, result := range results {
			hr.status.WithLabelValues(name).Set(statusValue(result.Status))
		}
	}
	return hr.calculateOverallHealth(results)
}

func containsCheckType(types []CheckType, t CheckType) bool {
	for _, ct := range types {
		if ct == t {
			return true
		}
	}
	return false
}

func statusValue(s HealthStatus) float64 {
	switch s {
	case HealthStatusHealthy:
		return 1
	case HealthStatusDegraded:
		return 0.5
	}
	return 0
}

// runCheckers runs health checkers concurrently
func (hr *HealthRegistry) runCheckers(ctx context.Context, checkers map[string]HealthChecker) map[string]HealthCheckResult {
	results := make(map[string]HealthCheckResult, len(checkers))
	resultsChan := make(chan HealthCheckResult, len(checkers))
	semaphore := make(chan struct{}, hr.config.MaxConcurrentChecks)

	var wg sync.WaitGroup
	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			resultsChan <- hr.performCheckWithRetries(ctx, c)
		}(checker)
	}
	wg.Wait()
	close(resultsChan)

	for result := range resultsChan {
		results[result.Name] = result
	}
	return results
}

// performCheckWithRetries performs health check with retry logic
func (hr *HealthRegistry) performCheckWithRetries(ctx context.Context, checker HealthChecker) HealthCheckResult {
	var lastResult HealthCheckResult

	for attempt := 0; attempt <= hr.config.RetryAttempts; attempt++ {
		checkCtx, cancel := context.WithTimeout(ctx, hr.config.Timeout)
		startTime := time.Now()
		result := checker.Check(checkCtx)
		cancel()

		result.Name = checker.Name()
		result.CheckType = checker.CheckType()
		result.Critical = checker.IsCritical()
		result.Duration = time.Since(startTime)
		result.Timestamp = startTime
		result.Retries = attempt
		lastResult = result

		if result.Status == HealthStatusHealthy || attempt == hr.config.RetryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			lastResult.Error = "context cancelled during retry"
			return lastResult
		case <-time.After(hr.config.RetryDelay):
		}
	}

	return lastResult
}

// calculateOverallHealth calculates overall health from component results.
// A failing critical check makes the whole unhealthy; any other failure
// only degrades it.
func (hr *HealthRegistry) calculateOverallHealth(results map[string]HealthCheckResult) *OverallHealth {
	summary := &HealthSummary{TotalChecks: len(results)}
	overallStatus := HealthStatusHealthy
	var criticalIssues, degradedIssues []string

	for _, result := range results {
		switch result.Status {
		case HealthStatusHealthy:
			summary.HealthyChecks++
		case HealthStatusDegraded:
			summary.DegradedChecks++
			degradedIssues = append(degradedIssues, result.Name)
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		default:
			summary.UnhealthyChecks++
			if result.Critical {
				summary.CriticalChecks++
				criticalIssues = append(criticalIssues, result.Name)
				overallStatus = HealthStatusUnhealthy
			} else {
				degradedIssues = append(degradedIssues, result.Name)
				if overallStatus == HealthStatusHealthy {
					overallStatus = HealthStatusDegraded
				}
			}
		}
	}
	sort.Strings(criticalIssues)
	sort.Strings(degradedIssues)

	return &OverallHealth{
		Status:          overallStatus,
		Message:         generateHealthMessage(overallStatus, criticalIssues, degradedIssues),
		Timestamp:       time.Now(),
		Uptime:          time.Since(hr.startTime),
		Version:         BuildVersion(),
		ComponentHealth: results,
		Summary:         summary,
	}
}

// generateHealthMessage generates a human-readable health message
func generateHealthMessage(status HealthStatus, criticalIssues, degradedIssues []string) string {
	switch status {
	case HealthStatusHealthy:
		return "All health checks passing"
	case HealthStatusDegraded:
		return fmt.Sprintf("Degraded: %s", strings.Join(degradedIssues, ", "))
	case HealthStatusUnhealthy:
		return fmt.Sprintf("Critical issues detected in: %s", strings.Join(criticalIssues, ", "))
	default:
		return "Health status unknown"
	}
}

// Handler serves the overall health as JSON. Unhealthy maps to 503.
func (hr *HealthRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := hr.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		var body interface{} = health
		if !hr.config.EnableDetailedStatus {
			body = map[string]interface{}{
				"status":    health.Status,
				"message":   health.Message,
				"timestamp": health.Timestamp,
			}
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Error().Err(err).Msg("Failed to encode health response")
		}
	})
}

// DatabaseHealthChecker runs PRAGMA quick_check against a store.
type DatabaseHealthChecker struct {
	store *storage.SQLiteStore
}

// NewDatabaseHealthChecker creates a database checker for store.
func NewDatabaseHealthChecker(store *storage.SQLiteStore) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{store: store}
}

func (dhc *DatabaseHealthChecker) Name() string         { return "database" }
func (dhc *DatabaseHealthChecker) CheckType() CheckType { return CheckTypeDatabase }
func (dhc *DatabaseHealthChecker) IsCritical() bool     { return true }

func (dhc *DatabaseHealthChecker) Check(ctx context.Context) HealthCheckResult {
	problems, err := dhc.store.CheckIntegrity(ctx, false)
	if err != nil {
		return HealthCheckResult{
			Status:  HealthStatusUnhealthy,
			Message: "Integrity check could not run",
			Error:   err.Error(),
		}
	}
	if len(problems) > 0 {
		return HealthCheckResult{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Integrity check reported %d problems", len(problems)),
			Details: map[string]interface{}{"first_problem": problems[0]},
		}
	}
	return HealthCheckResult{
		Status:  HealthStatusHealthy,
		Message: "Integrity check passed",
		Details: map[string]interface{}{"path": dhc.store.Paths().Main},
	}
}

// CorruptionHealthChecker reports the persisted corruption state.
type CorruptionHealthChecker struct {
	tracker *corruption.Tracker
}

// NewCorruptionHealthChecker creates a checker reading tracker.
func NewCorruptionHealthChecker(tracker *corruption.Tracker) *CorruptionHealthChecker {
	return &CorruptionHealthChecker{tracker: tracker}
}

func (chc *CorruptionHealthChecker) Name() string         { return "corruption" }
func (chc *CorruptionHealthChecker) CheckType() CheckType { return CheckTypeReadiness }
func (chc *CorruptionHealthChecker) IsCritical() bool     { return true }

func (chc *CorruptionHealthChecker) Check(ctx context.Context) HealthCheckResult {
	status := chc.tracker.Read()
	details := map[string]interface{}{
		"state":             status.String(),
		"recovery_attempts": chc.tracker.AttemptCount(),
	}
	switch status {
	case corruption.NotCorrupted:
		return HealthCheckResult{Status: HealthStatusHealthy, Message: "Database is not flagged", Details: details}
	case corruption.CorruptedAndRestored:
		return HealthCheckResult{Status: HealthStatusDegraded, Message: "Derived data awaits recreation", Details: details}
	default:
		return HealthCheckResult{Status: HealthStatusUnhealthy, Message: "Database is flagged as corrupted", Details: details}
	}
}

// WALSizeHealthChecker watches the write-ahead log for unbounded growth.
type WALSizeHealthChecker struct {
	store    *storage.SQLiteStore
	warning  int64
	critical int64
}

// NewWALSizeHealthChecker creates a WAL size checker with config thresholds.
func NewWALSizeHealthChecker(store *storage.SQLiteStore, config *HealthConfig) *WALSizeHealthChecker {
	return &WALSizeHealthChecker{store: store, warning: config.WALWarningBytes, critical: config.WALCriticalBytes}
}

func (w *WALSizeHealthChecker) Name() string         { return "wal" }
func (w *WALSizeHealthChecker) CheckType() CheckType { return CheckTypeResource }
func (w *WALSizeHealthChecker) IsCritical() bool     { return false }

func (w *WALSizeHealthChecker) Check(ctx context.Context) HealthCheckResult {
	size := w.store.GetMetrics().WALSize
	details := map[string]interface{}{"wal_bytes": size}
	switch {
	case w.critical > 0 && size >= w.critical:
		return HealthCheckResult{Status: HealthStatusUnhealthy, Message: "WAL is far beyond its checkpoint threshold", Details: details}
	case w.warning > 0 && size >= w.warning:
		return HealthCheckResult{Status: HealthStatusDegraded, Message: "WAL is growing faster than it is checkpointed", Details: details}
	}
	return HealthCheckResult{Status: HealthStatusHealthy, Message: "WAL size is normal", Details: details}
}

// DiskHealthChecker reports free space on the database volume.
type DiskHealthChecker struct {
	dir      string
	warning  uint64
	critical uint64
}

// NewDiskHealthChecker creates a disk checker for the volume holding dbPath.
func NewDiskHealthChecker(dbPath string, config *HealthConfig) *DiskHealthChecker {
	return &DiskHealthChecker{dir: filepath.Dir(dbPath), warning: config.DiskWarningBytes, critical: config.DiskCriticalBytes}
}

func (dhc *DiskHealthChecker) Name() string         { return "disk" }
func (dhc *DiskHealthChecker) CheckType() CheckType { return CheckTypeResource }
func (dhc *DiskHealthChecker) IsCritical() bool     { return false }

func (dhc *DiskHealthChecker) Check(ctx context.Context) HealthCheckResult {
	free, err := storage.AvailableBytes(dhc.dir)
	if err != nil {
		return HealthCheckResult{Status: HealthStatusUnknown, Message: "Free space is unknown", Error: err.Error()}
	}
	details := map[string]interface{}{"available_bytes": free, "directory": dhc.dir}
	switch {
	case free < dhc.critical:
		return HealthCheckResult{Status: HealthStatusUnhealthy, Message: "Disk is nearly full", Details: details}
	case free < dhc.warning:
		return HealthCheckResult{Status: HealthStatusDegraded, Message: "Disk space is low", Details: details}
	}
	return HealthCheckResult{Status: HealthStatusHealthy, Message: "Disk space is sufficient", Details: details}
}
