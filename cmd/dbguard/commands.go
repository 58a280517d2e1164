package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/dbguard/pkg/checkpoint"
	"github.com/sandboxrunner/dbguard/pkg/corruption"
	"github.com/sandboxrunner/dbguard/pkg/monitoring"
	"github.com/sandboxrunner/dbguard/pkg/recovery"
	"github.com/sandboxrunner/dbguard/pkg/server"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

// errIntegrity is returned when a check completes and finds problems.
var errIntegrity = errors.New("database integrity check failed")

// errMigrationHistory is returned when applied migrations no longer match
// the registered ones.
var errMigrationHistory = errors.New("migration history does not match")

func newRecoverCmd() *cobra.Command {
	var (
		serve      bool
		markFirst  bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover the database according to its corruption status",
		Long: `Recover repairs a database marked corrupted. It first tries a reindex, then
dumps every readable row into a fresh database that replaces the corrupted one,
recreates derived data and finally clears the corruption status once an
integrity check passes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			tracker, closeTracker, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer closeTracker()

			if markFirst {
				tracker.MarkCorrupted()
			}

			runnerCfg, err := cfg.RunnerConfig(newMigrator())
			if err != nil {
				return err
			}

			tracing, err := monitoring.NewTracingManager(&cfg.Tracing)
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
			defer shutdownTracing(tracing, logger)

			metrics := monitoring.NewMetricsRegistry(monitoring.DefaultMetricsConfig())
			opts := []recovery.RunnerOption{
				recovery.WithRunnerMetrics(recovery.NewMetrics(metrics.Registerer())),
			}

			var srv *server.Server
			if serve || cfg.Server.Enabled {
				srv = server.New(cfg.ServerConfig(), server.Deps{
					Metrics: metrics,
					Tracing: tracing,
					Tracker: tracker,
				}, logger)
				if err := srv.Start(ctx); err != nil {
					return err
				}
				defer stopServer(srv, logger)
				opts = append(opts, recovery.WithOrchestratorObserver(srv.ObserveOrchestrator))
			}

			runner, err := recovery.NewRunner(runnerCfg, tracker, opts...)
			if err != nil {
				return err
			}

			var outcome *recovery.RunOutcome
			err = tracing.TraceOperation(ctx, "dbguard.recover", func(ctx context.Context) error {
				var runErr error
				outcome, runErr = runner.Run(ctx)
				return runErr
			})
			if srv != nil && outcome != nil {
				srv.SetOutcome(outcome)
			}
			if outcome != nil {
				if printErr := printOutcome(cmd, outcome, jsonOutput); printErr != nil {
					logger.Warn().Err(printErr).Msg("Failed to print recovery outcome")
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "serve health, metrics and progress while recovering")
	cmd.Flags().BoolVar(&markFirst, "mark-corrupted", false, "mark the database corrupted before recovering")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the outcome as JSON")

	return cmd
}

func printOutcome(cmd *cobra.Command, outcome *recovery.RunOutcome, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}

	fmt.Fprintf(out, "Action: %s\n", outcome.Action)
	fmt.Fprintf(out, "Status: %s -> %s\n", outcome.StatusBefore, outcome.StatusAfter)
	if outcome.PreservedAt != "" {
		fmt.Fprintf(out, "Corrupt copy preserved at: %s\n", outcome.PreservedAt)
	}
	for _, r := range outcome.Recreation {
		if r.Error != "" {
			fmt.Fprintf(out, "Recreation %s failed: %s\n", r.Name, r.Error)
		}
	}
	if outcome.Integrity != nil {
		fmt.Fprintf(out, "Integrity (%s): ok=%t\n", outcome.Integrity.Mode, outcome.Integrity.OK)
	}
	if outcome.Report != nil {
		return renderMarkdown(out, outcome.Report.Markdown())
	}
	return nil
}

func newCheckCmd() *cobra.Command {
	var (
		full bool
		mark bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run an integrity check on the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			mode := recovery.IntegrityQuick
			if full {
				mode = recovery.IntegrityFull
			}
			result := recovery.IntegrityCheck(cmd.Context(), store, mode)

			out := cmd.OutOrStdout()
			if result.OK {
				fmt.Fprintf(out, "Integrity check (%s) passed\n", mode)
				if err := newMigrator().ValidateMigrations(cmd.Context(), store); err != nil {
					fmt.Fprintf(out, "Migration history check failed: %v\n", err)
					return errMigrationHistory
				}
				fmt.Fprintln(out, "Migration history matches")
				return nil
			}

			if result.Err != nil {
				fmt.Fprintf(out, "Integrity check (%s) could not run: %v\n", mode, result.Err)
			}
			for _, problem := range result.Problems {
				fmt.Fprintf(out, "  %s\n", problem)
			}

			if mark {
				tracker, closeTracker, err := openTracker(cfg)
				if err != nil {
					return err
				}
				defer closeTracker()
				if result.Err == nil || !tracker.FlagIfCorruptionError(result.Err) {
					tracker.MarkCorrupted()
				}
				fmt.Fprintf(out, "Database marked %s\n", tracker.Read())
			}
			return errIntegrity
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "run a full integrity check including indexes")
	cmd.Flags().BoolVar(&mark, "mark", false, "mark the database corrupted when the check fails")

	return cmd
}

// StatusReport is printed by the status command.
type StatusReport struct {
	DatabasePath     string                          `json:"database_path"`
	Corruption       corruption.Status               `json:"corruption"`
	RecoveryAttempts int64                           `json:"recovery_attempts"`
	Migrations       *storage.MigrationStatusSummary `json:"migrations,omitempty"`
	Metrics          *storage.StorageMetrics         `json:"metrics,omitempty"`
	Error            string                          `json:"error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corruption and migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			tracker, closeTracker, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer closeTracker()

			report := StatusReport{
				DatabasePath:     cfg.Database.Path,
				Corruption:       tracker.Read(),
				RecoveryAttempts: tracker.AttemptCount(),
			}

			// A corrupted database may not open; the tracker state is still useful.
			if store, err := openStore(cfg); err != nil {
				report.Error = err.Error()
			} else {
				defer closeStore(store)
				if summary, err := newMigrator().GetMigrationStatus(cmd.Context(), store); err != nil {
					tracker.FlagIfCorruptionError(err)
					report.Error = err.Error()
				} else {
					report.Migrations = summary
				}
				metrics := store.GetMetrics()
				report.Metrics = &metrics
			}

			return printStatus(cmd, report, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the status as JSON")

	return cmd
}

func printStatus(cmd *cobra.Command, report StatusReport, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "Database: %s\n", report.DatabasePath)
	fmt.Fprintf(out, "Corruption: %s\n", report.Corruption)
	fmt.Fprintf(out, "Recovery attempts: %d\n", report.RecoveryAttempts)
	if m := report.Migrations; m != nil {
		fmt.Fprintf(out, "Migrations: %d applied, %d pending, up to date: %t\n",
			m.AppliedCount, m.PendingCount, m.UpToDate)
		for _, id := range m.UnknownApplied {
			fmt.Fprintf(out, "  unknown applied migration: %s\n", id)
		}
	}
	if m := report.Metrics; m != nil {
		fmt.Fprintf(out, "Size: %d bytes (WAL %d bytes)\n", m.DatabaseSize, m.WALSize)
	}
	if report.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", report.Error)
	}
	return nil
}

func newMarkNotCorruptedCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "mark-not-corrupted",
		Short: "Clear the corruption status after a passing integrity check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			tracker, closeTracker, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer closeTracker()

			if !force {
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				mode, _ := recovery.ParseIntegrityMode(cfg.Recovery.IntegrityMode)
				result := recovery.IntegrityCheck(cmd.Context(), store, mode)
				closeStore(store)
				if !result.OK {
					return fmt.Errorf("%w: status left at %s", errIntegrity, tracker.Read())
				}
			}

			tracker.MarkNotCorrupted()
			fmt.Fprintf(cmd.OutOrStdout(), "Corruption status: %s\n", tracker.Read())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "clear the status without an integrity check")

	return cmd
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild every index of the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			token, err := recovery.WaitForWriterToken(cmd.Context(), cfg.Database.Path, cfg.TokenRetryConfig())
			if err != nil {
				return err
			}
			defer token.Release()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			if err := recovery.Reindex(cmd.Context(), store); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reindex completed")
			return nil
		},
	}
}

func newRecreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recreate",
		Short: "Recreate derived data such as search indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			token, err := recovery.WaitForWriterToken(ctx, cfg.Database.Path, cfg.TokenRetryConfig())
			if err != nil {
				return err
			}
			defer token.Release()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			results, err := recovery.NewManualRecreation(store, recovery.DefaultRebuilders()...).Run(ctx)
			out := cmd.OutOrStdout()
			for _, r := range results {
				if r.Error != "" {
					fmt.Fprintf(out, "%s: failed after %s: %s\n", r.Name, r.Duration, r.Error)
					continue
				}
				fmt.Fprintf(out, "%s: rebuilt in %s\n", r.Name, r.Duration)
			}
			return err
		},
	}
}

func newCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint and truncate the write-ahead log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			scheduler, err := checkpoint.NewScheduler(store, cfg.CheckpointConfig())
			if err != nil {
				return err
			}
			defer scheduler.Close()

			if err := scheduler.CheckpointNow(cmd.Context()); err != nil {
				return err
			}
			metrics := store.GetMetrics()
			fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint completed, WAL is %d bytes\n", metrics.WALSize)
			return nil
		},
	}
}

func newSchemaDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema-diff",
		Short: "Compare the database schema with a freshly migrated database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			dir, err := os.MkdirTemp("", "dbguard-schema-")
			if err != nil {
				return fmt.Errorf("failed to create temporary directory: %w", err)
			}
			defer os.RemoveAll(dir)

			freshConfig := cfg.StoreConfig()
			freshConfig.DatabasePath = filepath.Join(dir, "fresh.sqlite")
			fresh, err := storage.Open(freshConfig)
			if err != nil {
				return fmt.Errorf("failed to open reference database: %w", err)
			}
			defer closeStore(fresh)

			if _, err := newMigrator().Migrate(ctx, fresh, false); err != nil {
				return fmt.Errorf("failed to migrate reference database: %w", err)
			}

			drift, err := recovery.CompareSchemas(ctx, store, fresh)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if drift.Equal() {
				fmt.Fprintln(out, "Schema matches a freshly migrated database")
				return nil
			}
			fmt.Fprint(out, drift.Unified())
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and corruption status while checkpointing the WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			tracker, closeTracker, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer closeTracker()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.CheckpointAndClose(context.Background(), cfg.Checkpoint.SyncBusyTimeout); err != nil {
					logger.Warn().Err(err).Msg("Failed to checkpoint on close")
				}
			}()

			metrics := monitoring.NewMetricsRegistry(monitoring.DefaultMetricsConfig())
			if err := metrics.RegisterStore(store); err != nil {
				return fmt.Errorf("failed to register store metrics: %w", err)
			}

			scheduler, err := checkpoint.NewScheduler(store, cfg.CheckpointConfig(),
				checkpoint.WithMetrics(checkpoint.NewMetrics(metrics.Registerer())))
			if err != nil {
				return err
			}
			defer scheduler.Close()
			store.AddWriteObserver(scheduler)

			health, err := monitoring.NewHealthRegistry(&cfg.Health, metrics)
			if err != nil {
				return err
			}
			health.RegisterChecker(monitoring.NewDatabaseHealthChecker(store))
			health.RegisterChecker(monitoring.NewCorruptionHealthChecker(tracker))
			health.RegisterChecker(monitoring.NewWALSizeHealthChecker(store, &cfg.Health))
			health.RegisterChecker(monitoring.NewDiskHealthChecker(cfg.Database.Path, &cfg.Health))

			tracing, err := monitoring.NewTracingManager(&cfg.Tracing)
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
			defer shutdownTracing(tracing, logger)

			srv := server.New(cfg.ServerConfig(), server.Deps{
				Health:  health,
				Metrics: metrics,
				Tracing: tracing,
				Tracker: tracker,
			}, logger)
			if err := srv.Start(ctx); err != nil {
				return err
			}

			logger.Info().
				Str("address", srv.Addr()).
				Str("database_path", cfg.Database.Path).
				Str("corruption", tracker.Read().String()).
				Msg("dbguard is serving")

			<-ctx.Done()
			stopServer(srv, logger)
			return nil
		},
	}
}

func stopServer(srv *server.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}
}

func shutdownTracing(tracing *monitoring.TracingManager, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to shut down tracing")
	}
}
