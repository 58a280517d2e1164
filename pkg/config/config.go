package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/dbguard/pkg/checkpoint"
	"github.com/sandboxrunner/dbguard/pkg/monitoring"
	"github.com/sandboxrunner/dbguard/pkg/recovery"
	"github.com/sandboxrunner/dbguard/pkg/resilience"
	"github.com/sandboxrunner/dbguard/pkg/server"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// Config represents the dbguard configuration
type Config struct {
	Database   DatabaseConfig           `yaml:"database" mapstructure:"database"`
	Checkpoint CheckpointConfig         `yaml:"checkpoint" mapstructure:"checkpoint"`
	Recovery   RecoveryConfig           `yaml:"recovery" mapstructure:"recovery"`
	Settings   SettingsConfig           `yaml:"settings" mapstructure:"settings"`
	Logging    LoggingConfig            `yaml:"logging" mapstructure:"logging"`
	Server     ServerConfig             `yaml:"server" mapstructure:"server"`
	Health     monitoring.HealthConfig  `yaml:"health" mapstructure:"health"`
	Tracing    monitoring.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Path            string        `yaml:"path" mapstructure:"path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	Pragmas         []string      `yaml:"pragmas,omitempty" mapstructure:"pragmas"`
}

// CheckpointConfig holds the WAL checkpoint budget policy
type CheckpointConfig struct {
	InitialBudget         int           `yaml:"initial_budget" mapstructure:"initial_budget"`
	SuccessBudget         int           `yaml:"success_budget" mapstructure:"success_budget"`
	FailureBudget         int           `yaml:"failure_budget" mapstructure:"failure_budget"`
	MinInterval           time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	BackgroundBusyTimeout time.Duration `yaml:"background_busy_timeout" mapstructure:"background_busy_timeout"`
	SyncBusyTimeout       time.Duration `yaml:"sync_busy_timeout" mapstructure:"sync_busy_timeout"`
}

// RecoveryConfig holds dump and restore configuration
type RecoveryConfig struct {
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir"`
	// ClassificationFile overrides the built-in table classification.
	ClassificationFile    string        `yaml:"classification_file" mapstructure:"classification_file"`
	MaxAttempts           int64         `yaml:"max_attempts" mapstructure:"max_attempts"`
	ReindexFirst          bool          `yaml:"reindex_first" mapstructure:"reindex_first"`
	CheckFreeSpace        bool          `yaml:"check_free_space" mapstructure:"check_free_space"`
	PreserveCorruptCopy   bool          `yaml:"preserve_corrupt_copy" mapstructure:"preserve_corrupt_copy"`
	BackupDir             string        `yaml:"backup_dir" mapstructure:"backup_dir"`
	BackupKeep            int           `yaml:"backup_keep" mapstructure:"backup_keep"`
	IntegrityMode         string        `yaml:"integrity_mode" mapstructure:"integrity_mode"`
	CheckpointBusyTimeout time.Duration `yaml:"checkpoint_busy_timeout" mapstructure:"checkpoint_busy_timeout"`
	// TokenRetry controls waiting for another process to release the
	// database. A single attempt fails at once.
	TokenRetry resilience.RetryConfig `yaml:"token_retry" mapstructure:"token_retry"`
}

// SettingsConfig locates the settings file holding the corruption flag
type SettingsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// ServerConfig holds the status server configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Address         string        `yaml:"address" mapstructure:"address"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	EnableWebSocket bool          `yaml:"enable_websocket" mapstructure:"enable_websocket"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// Default configuration values
func DefaultConfig() *Config {
	store := storage.DefaultConfig()
	cp := checkpoint.DefaultConfig()
	srv := server.DefaultConfig()

	return &Config{
		Database: DatabaseConfig{
			Path:            store.DatabasePath,
			BusyTimeout:     5 * time.Second,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: store.ConnMaxLifetime,
			ConnMaxIdleTime: store.ConnMaxIdleTime,
		},
		Checkpoint: CheckpointConfig{
			InitialBudget:         cp.InitialBudget,
			SuccessBudget:         cp.SuccessBudget,
			FailureBudget:         cp.FailureBudget,
			MinInterval:           cp.MinInterval,
			BackgroundBusyTimeout: cp.BackgroundBusyTimeout,
			SyncBusyTimeout:       cp.SyncBusyTimeout,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:           3,
			ReindexFirst:          true,
			CheckFreeSpace:        true,
			PreserveCorruptCopy:   false,
			BackupDir:             "data/corrupt-backups",
			BackupKeep:            2,
			IntegrityMode:         string(recovery.IntegrityQuick),
			CheckpointBusyTimeout: 3 * time.Second,
			TokenRetry: resilience.RetryConfig{
				Name:        "writer-token",
				MaxAttempts: 5,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    2 * time.Second,
				Multiplier:  2.0,
				JitterRange: 0.1,
				Policy:      resilience.RetryPolicyExponential,
			},
		},
		Settings: SettingsConfig{
			Path: "data/settings.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Enabled:         false,
			Address:         srv.Address,
			Port:            srv.Port,
			ReadTimeout:     srv.ReadTimeout,
			WriteTimeout:    srv.WriteTimeout,
			EnableWebSocket: srv.EnableWebSocket,
			AllowedOrigins:  srv.AllowedOrigins,
		},
		Health:  *monitoring.DefaultHealthConfig(),
		Tracing: *monitoring.DefaultTracingConfig(),
	}
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dbguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/dbguard")
		v.AddConfigPath("/etc/dbguard")
	}

	v.SetEnvPrefix("DBGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, config)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnv registers every key of the defaults so AutomaticEnv can
// override keys that no config file mentions.
func bindEnv(v *viper.Viper, defaults *Config) {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	var walk func(prefix string, node map[string]interface{})
	walk = func(prefix string, node map[string]interface{}) {
		for key, value := range node {
			if child, ok := value.(map[string]interface{}); ok {
				walk(prefix+key+".", child)
				continue
			}
			_ = v.BindEnv(prefix + key)
		}
	}
	walk("", tree)
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("max open connections must be at least 1")
	}

	if err := c.CheckpointConfig().Validate(); err != nil {
		return err
	}

	if _, err := recovery.ParseIntegrityMode(c.Recovery.IntegrityMode); err != nil {
		return fmt.Errorf("invalid recovery integrity mode: %w", err)
	}
	if c.Recovery.MaxAttempts < 0 {
		return fmt.Errorf("max recovery attempts cannot be negative")
	}
	if c.Recovery.PreserveCorruptCopy && c.Recovery.BackupDir == "" {
		return fmt.Errorf("backup directory is required to preserve corrupt copies")
	}
	if c.Recovery.TokenRetry.MaxAttempts < 0 {
		return fmt.Errorf("token retry attempts cannot be negative")
	}
	switch c.Recovery.TokenRetry.Policy {
	case "", resilience.RetryPolicyFixed, resilience.RetryPolicyLinear, resilience.RetryPolicyExponential:
	default:
		return fmt.Errorf("invalid token retry policy: %s", c.Recovery.TokenRetry.Policy)
	}
	if c.Recovery.BackupKeep < 0 {
		return fmt.Errorf("backup keep count cannot be negative")
	}

	if c.Settings.Path == "" {
		return fmt.Errorf("settings path cannot be empty")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Tracing.Enabled {
		if !c.Tracing.Exporter.Valid() {
			return fmt.Errorf("invalid tracing exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
		}
	}

	return nil
}

// StoreConfig returns the configuration for opening the database.
func (c *Config) StoreConfig() *storage.Config {
	return &storage.Config{
		DatabasePath:    c.Database.Path,
		BusyTimeout:     c.Database.BusyTimeout,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
		Pragmas:         append([]string(nil), c.Database.Pragmas...),
	}
}

// CheckpointConfig returns the checkpoint scheduler policy.
func (c *Config) CheckpointConfig() checkpoint.Config {
	return checkpoint.Config{
		InitialBudget:         c.Checkpoint.InitialBudget,
		SuccessBudget:         c.Checkpoint.SuccessBudget,
		FailureBudget:         c.Checkpoint.FailureBudget,
		MinInterval:           c.Checkpoint.MinInterval,
		BackgroundBusyTimeout: c.Checkpoint.BackgroundBusyTimeout,
		SyncBusyTimeout:       c.Checkpoint.SyncBusyTimeout,
	}
}

// RunnerConfig returns the recovery runner configuration. The table
// classification is read from Recovery.ClassificationFile when set.
func (c *Config) RunnerConfig(migrator recovery.MigrationRunner) (recovery.RunnerConfig, error) {
	classification := recovery.DefaultClassification()
	if c.Recovery.ClassificationFile != "" {
		loaded, err := recovery.LoadClassification(c.Recovery.ClassificationFile)
		if err != nil {
			return recovery.RunnerConfig{}, err
		}
		classification = loaded
	}

	mode, err := recovery.ParseIntegrityMode(c.Recovery.IntegrityMode)
	if err != nil {
		return recovery.RunnerConfig{}, err
	}

	return recovery.RunnerConfig{
		Store:                 c.StoreConfig(),
		Classification:        classification,
		Migrator:              migrator,
		TempDir:               c.Recovery.TempDir,
		CheckpointBusyTimeout: c.Recovery.CheckpointBusyTimeout,
		MaxAttempts:           c.Recovery.MaxAttempts,
		ReindexFirst:          c.Recovery.ReindexFirst,
		IntegrityMode:         mode,
		CheckFreeSpace:        c.Recovery.CheckFreeSpace,
		PreserveCorruptCopy:   c.Recovery.PreserveCorruptCopy,
		BackupDir:             c.Recovery.BackupDir,
		BackupKeep:            c.Recovery.BackupKeep,
		TokenRetry:            c.TokenRetryConfig(),
	}, nil
}

// TokenRetryConfig returns how long to wait for the writer token, or nil
// to try once.
func (c *Config) TokenRetryConfig() *resilience.RetryConfig {
	if c.Recovery.TokenRetry.MaxAttempts <= 1 {
		return nil
	}
	retry := c.Recovery.TokenRetry
	return &retry
}

// ServerConfig returns the status server configuration.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Address:         c.Server.Address,
		Port:            c.Server.Port,
		ReadTimeout:     c.Server.ReadTimeout,
		WriteTimeout:    c.Server.WriteTimeout,
		EnableWebSocket: c.Server.EnableWebSocket,
		AllowedOrigins:  append([]string(nil), c.Server.AllowedOrigins...),
	}
}

// CreateDirectories creates necessary directories based on configuration
func (c *Config) CreateDirectories() error {
	dirs := []string{
		filepath.Dir(c.Database.Path),
		filepath.Dir(c.Settings.Path),
		c.Recovery.TempDir,
	}
	if c.Recovery.PreserveCorruptCopy {
		dirs = append(dirs, c.Recovery.BackupDir)
	}
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	return nil
}
