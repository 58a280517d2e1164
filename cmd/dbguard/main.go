package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/term"

	"github.com/sandboxrunner/dbguard/pkg/config"
)

var (
	// Global flags
	configFile   string
	logLevel     string
	logFormat    string
	databasePath string

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("Failed to set GOMAXPROCS")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbguard",
		Short: "SQLite corruption recovery and WAL checkpointing",
		Long: `dbguard keeps an application SQLite database healthy. It schedules WAL
checkpoints, tracks whether the database was found corrupted, and rebuilds a
corrupted database by dumping every readable row into a fresh database that
atomically replaces the damaged one.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().StringVarP(&databasePath, "database", "d", "", "database file path")

	rootCmd.AddCommand(newRecoverCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newMarkNotCorruptedCmd())
	rootCmd.AddCommand(newReindexCmd())
	rootCmd.AddCommand(newRecreateCmd())
	rootCmd.AddCommand(newCheckpointCmd())
	rootCmd.AddCommand(newSchemaDiffCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig loads the configuration, applies command line overrides and
// configures logging.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if databasePath != "" {
		cfg.Database.Path = databasePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to setup logging: %w", err)
	}

	if err := cfg.CreateDirectories(); err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to create directories: %w", err)
	}
	return cfg, logger, nil
}

func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stderr
	isTTY := term.IsTerminal(int(os.Stderr.Fd()))
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		isTTY = false
	}

	var logger zerolog.Logger
	switch {
	case cfg.Format == "console" && isTTY:
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case cfg.Format == "console" || cfg.Format == "text":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: true}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Library packages log through the global logger.
	log.Logger = logger
	return logger, nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			path := outputPath
			if path == "" {
				path = "dbguard.yaml"
			}

			if err := cfg.SaveConfig(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Database: %s\n", cfg.Database.Path)
			fmt.Fprintf(out, "Settings: %s\n", cfg.Settings.Path)
			fmt.Fprintf(out, "Checkpoint budgets: initial=%d success=%d failure=%d\n",
				cfg.Checkpoint.InitialBudget, cfg.Checkpoint.SuccessBudget, cfg.Checkpoint.FailureBudget)
			fmt.Fprintf(out, "Integrity mode: %s\n", cfg.Recovery.IntegrityMode)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dbguard\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
