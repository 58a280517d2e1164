package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbguard/pkg/config"
	"github.com/sandboxrunner/dbguard/pkg/corruption"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

func resetFlags(t *testing.T) {
	t.Helper()
	configFile, logLevel, logFormat, databasePath = "", "", "", ""
	t.Cleanup(func() {
		configFile, logLevel, logFormat, databasePath = "", "", "", ""
	})
}

// writeTestConfig writes a configuration keeping every file under a
// temporary directory and returns its path.
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "data", "signal.sqlite")
	cfg.Settings.Path = filepath.Join(dir, "data", "settings.db")
	cfg.Recovery.BackupDir = filepath.Join(dir, "backups")
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "error"

	path := filepath.Join(dir, "dbguard.yaml")
	require.NoError(t, cfg.SaveConfig(path))
	return path, cfg
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func migrateDatabase(t *testing.T, cfg *config.Config) {
	t.Helper()
	store, err := storage.Open(cfg.StoreConfig())
	require.NoError(t, err)
	defer store.Close()

	_, err = storage.NewMigrator(storage.DefaultMigrations()...).Migrate(context.Background(), store, true)
	require.NoError(t, err)
}

func markCorrupted(t *testing.T, cfg *config.Config) {
	t.Helper()
	settings, err := corruption.OpenBoltSettings(cfg.Settings.Path)
	require.NoError(t, err)
	defer settings.Close()
	corruption.NewTracker(settings).MarkCorrupted()
}

func readStatus(t *testing.T, cfg *config.Config) corruption.Status {
	t.Helper()
	settings, err := corruption.OpenBoltSettings(cfg.Settings.Path)
	require.NoError(t, err)
	defer settings.Close()
	return corruption.NewTracker(settings).Read()
}

func TestRootCommand_Structure(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "dbguard", root.Use)

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{
		"recover", "check", "status", "mark-not-corrupted", "reindex",
		"recreate", "checkpoint", "schema-diff", "serve", "config", "version",
	} {
		assert.Contains(t, names, want)
	}

	for _, flag := range []string{"config", "log-level", "log-format", "database"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	t.Run("levels", func(t *testing.T) {
		for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
			_, err := setupLogging(config.LoggingConfig{Level: level, Format: "json"})
			require.NoError(t, err, level)
		}
		_, err := setupLogging(config.LoggingConfig{Level: "debug", Format: "console"})
		require.NoError(t, err)
		assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := setupLogging(config.LoggingConfig{Level: "loud", Format: "json"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("output file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "dbguard.log")
		logger, err := setupLogging(config.LoggingConfig{Level: "info", Format: "json", OutputFile: path})
		require.NoError(t, err)

		logger.Info().Msg("written to file")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "written to file")
	})
}

func TestConfigCmd(t *testing.T) {
	require.Len(t, newConfigCmd().Commands(), 2)

	t.Run("generate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "generated.yaml")
		out, err := runCLI(t, "config", "generate", "-o", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Generated default configuration")

		loaded, err := config.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig().Database.Path, loaded.Database.Path)
	})

	t.Run("validate", func(t *testing.T) {
		path, cfg := writeTestConfig(t)
		out, err := runCLI(t, "config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
		assert.Contains(t, out, cfg.Database.Path)
	})

	t.Run("validate invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644))
		_, err := runCLI(t, "config", "validate", "--config", path)
		require.Error(t, err)
	})
}

func TestVersionCmd(t *testing.T) {
	origVersion, origCommit := version, commit
	defer func() { version, commit = origVersion, origCommit }()
	version = "1.2.3"
	commit = "abc123"

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: 1.2.3")
	assert.Contains(t, out, "Commit: abc123")
}

func TestStatusCmd(t *testing.T) {
	path, cfg := writeTestConfig(t)
	migrateDatabase(t, cfg)

	out, err := runCLI(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Corruption: not_corrupted")
	assert.Contains(t, out, "Recovery attempts: 0")
	assert.Contains(t, out, "up to date: true")

	markCorrupted(t, cfg)
	out, err = runCLI(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Corruption: corrupted")
}

func TestCheckCmd(t *testing.T) {
	path, cfg := writeTestConfig(t)
	migrateDatabase(t, cfg)

	out, err := runCLI(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Integrity check (quick) passed")

	out, err = runCLI(t, "check", "--full", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Integrity check (full) passed")
	assert.Contains(t, out, "Migration history matches")

	t.Run("edited migration", func(t *testing.T) {
		store, err := storage.Open(cfg.StoreConfig())
		require.NoError(t, err)
		_, err = store.Exec(context.Background(),
			"UPDATE "+storage.MigrationsTable+" SET checksum = 'edited' WHERE identifier = ?",
			storage.DefaultMigrations()[0].ID)
		require.NoError(t, err)
		require.NoError(t, store.Close())

		out, err := runCLI(t, "check", "--config", path)
		assert.ErrorIs(t, err, errMigrationHistory)
		assert.Contains(t, out, "checksum mismatch")
	})
}

func TestMarkNotCorruptedCmd(t *testing.T) {
	path, cfg := writeTestConfig(t)
	migrateDatabase(t, cfg)
	markCorrupted(t, cfg)

	out, err := runCLI(t, "mark-not-corrupted", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Corruption status: not_corrupted")
	assert.Equal(t, corruption.NotCorrupted, readStatus(t, cfg))
}

func TestRecoverCmd_NotCorrupted(t *testing.T) {
	path, cfg := writeTestConfig(t)
	migrateDatabase(t, cfg)

	out, err := runCLI(t, "recover", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Action: none")
	assert.Contains(t, out, "Status: not_corrupted -> not_corrupted")
}

func TestRecreateCmd(t *testing.T) {
	path, cfg := writeTestConfig(t)
	migrateDatabase(t, cfg)

	out, err := runCLI(t, "recreate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "interaction-search-index: rebuilt")
	assert.Contains(t, out, "media-gallery: rebuilt")
}

func TestCheckpointCmd(t *testing.T) {
	path, cfg := writeTestConfig(t)
	migrateDatabase(t, cfg)

	out, err := runCLI(t, "checkpoint", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Checkpoint completed")
}

func TestSchemaDiffCmd(t *testing.T) {
	path, cfg := writeTestConfig(t)

	t.Run("matches", func(t *testing.T) {
		migrateDatabase(t, cfg)
		out, err := runCLI(t, "schema-diff", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Schema matches")
	})

	t.Run("drift", func(t *testing.T) {
		store, err := storage.Open(cfg.StoreConfig())
		require.NoError(t, err)
		_, err = store.Exec(context.Background(), "CREATE TABLE stray (id INTEGER PRIMARY KEY)")
		require.NoError(t, err)
		require.NoError(t, store.Close())

		out, err := runCLI(t, "schema-diff", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "stray")
	})
}

func TestDatabaseFlagOverridesConfig(t *testing.T) {
	path, _ := writeTestConfig(t)
	other := filepath.Join(t.TempDir(), "other.sqlite")

	out, err := runCLI(t, "status", "--config", path, "--database", other)
	require.NoError(t, err)
	assert.Contains(t, out, "Database: "+other)
}

func TestReindexCmd(t *testing.T) {
	path, cfg := writeTestConfig(t)
	migrateDatabase(t, cfg)

	out, err := runCLI(t, "reindex", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Reindex completed")
}
