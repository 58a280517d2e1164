package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbguard/pkg/monitoring"
	"github.com/sandboxrunner/dbguard/pkg/recovery"
	"github.com/sandboxrunner/dbguard/pkg/resilience"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "data/signal.sqlite", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout)
	assert.Equal(t, 4, cfg.Database.MaxOpenConns)

	assert.Equal(t, 1, cfg.Checkpoint.InitialBudget)
	assert.Equal(t, 32, cfg.Checkpoint.SuccessBudget)
	assert.Equal(t, 5, cfg.Checkpoint.FailureBudget)
	assert.Equal(t, 250*time.Millisecond, cfg.Checkpoint.MinInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Checkpoint.BackgroundBusyTimeout)
	assert.Equal(t, 3*time.Second, cfg.Checkpoint.SyncBusyTimeout)

	assert.Equal(t, int64(3), cfg.Recovery.MaxAttempts)
	assert.True(t, cfg.Recovery.ReindexFirst)
	assert.True(t, cfg.Recovery.CheckFreeSpace)
	assert.False(t, cfg.Recovery.PreserveCorruptCopy)
	assert.Equal(t, "quick", cfg.Recovery.IntegrityMode)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.False(t, cfg.Server.Enabled)
	assert.False(t, cfg.Tracing.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "database_and_logging",
			yamlData: `
database:
  path: "/var/lib/app/signal.sqlite"
  busy_timeout: "10s"
  pragmas:
    - "PRAGMA cache_size = -8000"
logging:
  level: "debug"
  format: "json"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/var/lib/app/signal.sqlite", cfg.Database.Path)
				assert.Equal(t, 10*time.Second, cfg.Database.BusyTimeout)
				assert.Equal(t, []string{"PRAGMA cache_size = -8000"}, cfg.Database.Pragmas)
				assert.Equal(t, 4, cfg.Database.MaxOpenConns, "unset keys keep defaults")
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, "json", cfg.Logging.Format)
			},
		},
		{
			name: "checkpoint_policy",
			yamlData: `
checkpoint:
  success_budget: 64
  min_interval: "1s"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 64, cfg.Checkpoint.SuccessBudget)
				assert.Equal(t, time.Second, cfg.Checkpoint.MinInterval)
				assert.Equal(t, 5, cfg.Checkpoint.FailureBudget)
			},
		},
		{
			name: "recovery_server_tracing",
			yamlData: `
recovery:
  max_attempts: 5
  integrity_mode: "full"
  preserve_corrupt_copy: true
  backup_dir: "/backups"
server:
  enabled: true
  port: 9999
tracing:
  enabled: true
  exporter: "otlp"
  sampling_ratio: 0.5
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, int64(5), cfg.Recovery.MaxAttempts)
				assert.Equal(t, "full", cfg.Recovery.IntegrityMode)
				assert.True(t, cfg.Recovery.PreserveCorruptCopy)
				assert.Equal(t, "/backups", cfg.Recovery.BackupDir)
				assert.True(t, cfg.Server.Enabled)
				assert.Equal(t, 9999, cfg.Server.Port)
				assert.Equal(t, monitoring.TracingExporterOTLP, cfg.Tracing.Exporter)
				assert.Equal(t, 0.5, cfg.Tracing.SamplingRatio)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, "dbguard.yaml", tt.yamlData))
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, "env.yaml", `
database:
  path: "/from/file.sqlite"
logging:
  level: "info"
`)

	t.Setenv("DBGUARD_DATABASE_PATH", "/from/env.sqlite")
	t.Setenv("DBGUARD_LOGGING_LEVEL", "warn")
	t.Setenv("DBGUARD_RECOVERY_MAX_ATTEMPTS", "7")
	t.Setenv("DBGUARD_SERVER_ENABLED", "true")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/from/env.sqlite", cfg.Database.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, int64(7), cfg.Recovery.MaxAttempts, "keys absent from the file are overridable")
	assert.True(t, cfg.Server.Enabled)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Database.Path, cfg.Database.Path)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "invalid.yaml", "invalid: yaml: content: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "invalid.yaml", `
checkpoint:
  success_budget: 0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = "/srv/signal.sqlite"
	cfg.Checkpoint.SuccessBudget = 100
	cfg.Recovery.IntegrityMode = "full"
	cfg.Server.Port = 4000

	configPath := filepath.Join(t.TempDir(), "nested", "deep", "dbguard.yaml")
	require.NoError(t, cfg.SaveConfig(configPath))
	assert.FileExists(t, configPath)

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Database, loaded.Database)
	assert.Equal(t, cfg.Checkpoint, loaded.Checkpoint)
	assert.Equal(t, cfg.Recovery, loaded.Recovery)
	assert.Equal(t, 4000, loaded.Server.Port)
	assert.Equal(t, cfg.Health, loaded.Health)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(cfg *Config)
		errorMsg string
	}{
		{"empty_database_path", func(c *Config) { c.Database.Path = "" }, "database path cannot be empty"},
		{"no_connections", func(c *Config) { c.Database.MaxOpenConns = 0 }, "max open connections"},
		{"zero_budget", func(c *Config) { c.Checkpoint.InitialBudget = 0 }, "budgets must be positive"},
		{"negative_interval", func(c *Config) { c.Checkpoint.MinInterval = -time.Second }, "min interval"},
		{"integrity_mode", func(c *Config) { c.Recovery.IntegrityMode = "thorough" }, "integrity mode"},
		{"negative_attempts", func(c *Config) { c.Recovery.MaxAttempts = -1 }, "max recovery attempts"},
		{"preserve_without_dir", func(c *Config) {
			c.Recovery.PreserveCorruptCopy = true
			c.Recovery.BackupDir = ""
		}, "backup directory"},
		{"negative_token_attempts", func(c *Config) { c.Recovery.TokenRetry.MaxAttempts = -1 }, "token retry attempts"},
		{"token_policy", func(c *Config) { c.Recovery.TokenRetry.Policy = "random" }, "invalid token retry policy"},
		{"empty_settings", func(c *Config) { c.Settings.Path = "" }, "settings path"},
		{"log_level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"log_format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"server_port", func(c *Config) {
			c.Server.Enabled = true
			c.Server.Port = 70000
		}, "invalid port"},
		{"tracing_exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, "invalid tracing exporter"},
		{"tracing_ratio", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SamplingRatio = 2
		}, "sampling ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}

	t.Run("disabled_server_ignores_port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_Conversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = "/srv/signal.sqlite"
	cfg.Database.Pragmas = []string{"PRAGMA cache_size = -2000"}
	cfg.Recovery.IntegrityMode = "full"
	cfg.Recovery.TempDir = "/scratch"

	store := cfg.StoreConfig()
	assert.Equal(t, "/srv/signal.sqlite", store.DatabasePath)
	assert.Equal(t, cfg.Database.Pragmas, store.Pragmas)
	store.Pragmas[0] = "changed"
	assert.Equal(t, "PRAGMA cache_size = -2000", cfg.Database.Pragmas[0])

	assert.NoError(t, cfg.CheckpointConfig().Validate())

	migrator := storage.NewMigrator(storage.DefaultMigrations()...)
	runnerCfg, err := cfg.RunnerConfig(migrator)
	require.NoError(t, err)
	assert.Equal(t, recovery.IntegrityFull, runnerCfg.IntegrityMode)
	assert.Equal(t, "/scratch", runnerCfg.TempDir)
	assert.Equal(t, recovery.DefaultClassification(), runnerCfg.Classification)
	assert.Equal(t, int64(3), runnerCfg.MaxAttempts)
	require.NotNil(t, runnerCfg.TokenRetry)
	assert.Equal(t, 5, runnerCfg.TokenRetry.MaxAttempts)
	assert.Equal(t, resilience.RetryPolicyExponential, runnerCfg.TokenRetry.Policy)

	cfg.Recovery.TokenRetry.MaxAttempts = 1
	assert.Nil(t, cfg.TokenRetryConfig())

	srv := cfg.ServerConfig()
	assert.Equal(t, cfg.Server.Port, srv.Port)
	assert.True(t, srv.EnableWebSocket)
}

func TestConfig_RunnerConfigClassificationFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recovery.ClassificationFile = writeConfig(t, "classification.yaml", `
best_effort: [interaction]
flawless: [key_value]
skipped: [message_send_log]
`)

	runnerCfg, err := cfg.RunnerConfig(storage.NewMigrator(storage.DefaultMigrations()...))
	require.NoError(t, err)
	assert.Equal(t, []string{"interaction"}, runnerCfg.Classification.BestEffort)
	assert.Equal(t, []string{"key_value"}, runnerCfg.Classification.Flawless)
	assert.Equal(t, []string{"message_send_log"}, runnerCfg.Classification.Skipped)

	cfg.Recovery.ClassificationFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.RunnerConfig(nil)
	assert.Error(t, err)
}

func TestCreateDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(root, "db", "signal.sqlite")
	cfg.Settings.Path = filepath.Join(root, "settings", "settings.db")
	cfg.Recovery.TempDir = filepath.Join(root, "tmp")
	cfg.Recovery.PreserveCorruptCopy = true
	cfg.Recovery.BackupDir = filepath.Join(root, "backups")
	cfg.Logging.OutputFile = filepath.Join(root, "logs", "dbguard.log")

	require.NoError(t, cfg.CreateDirectories())

	for _, dir := range []string{"db", "settings", "tmp", "backups", "logs"} {
		assert.DirExists(t, filepath.Join(root, dir))
	}
}
