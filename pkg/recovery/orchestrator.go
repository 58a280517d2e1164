// Package recovery rebuilds a corrupted database by copying what can be
// read into a freshly migrated one and swapping it into place.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

const tracerName = "github.com/sandboxrunner/dbguard/pkg/recovery"

// MigrationRunner brings a database schema up to date and reports whether
// anything ran. It must be idempotent. *storage.Migrator implements it.
type MigrationRunner interface {
	Migrate(ctx context.Context, store *storage.SQLiteStore, includeData bool) (bool, error)
}

// StoreOpener opens a database handle at path.
type StoreOpener func(path string) (*storage.SQLiteStore, error)

// DefaultStoreOpener opens path with the default store configuration.
func DefaultStoreOpener(path string) (*storage.SQLiteStore, error) {
	config := storage.DefaultConfig()
	config.DatabasePath = path
	return storage.Open(config)
}

// Config configures a dump and restore run.
type Config struct {
	Classification Classification
	Migrator       MigrationRunner
	// Open opens the temporary database. Defaults to DefaultStoreOpener.
	Open StoreOpener
	// TempDir holds the temporary database. It must be on the same file
	// system as the database being recovered; defaults to its directory.
	TempDir string
	// CheckpointBusyTimeout bounds the checkpoints taken before reading the
	// old database and while promoting.
	CheckpointBusyTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records the run in m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator runs dump and restore once.
//
// The caller keeps ownership of the old handle, which is only read from,
// apart from an advisory checkpoint and schema migrations. Promotion closes
// it; afterwards the caller must reopen the database at its path. No other
// writer may use either database during Run.
type Orchestrator struct {
	cfg      Config
	old      *storage.SQLiteStore
	token    *WriterToken
	progress *Progress
	report   *Report
	metrics  *Metrics
	tracer   trace.Tracer
	logger   zerolog.Logger
	runID    string
	started  atomic.Bool

	// Test hooks around the file replace.
	beforeReplace func() error
	afterReplace  func() error
}

// NewOrchestrator prepares dump and restore of old. token must be held for
// the database old belongs to.
func NewOrchestrator(old *storage.SQLiteStore, token *WriterToken, cfg Config, opts ...Option) (*Orchestrator, error) {
	if old == nil {
		return nil, errors.New("old database handle is required")
	}
	if !token.Held() {
		return nil, ErrTokenNotHeld
	}
	if cfg.Migrator == nil {
		return nil, errors.New("migration runner is required")
	}
	if err := cfg.Classification.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classification: %w", err)
	}
	if cfg.Open == nil {
		cfg.Open = DefaultStoreOpener
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Dir(old.Paths().Main)
	}
	if cfg.CheckpointBusyTimeout <= 0 {
		cfg.CheckpointBusyTimeout = 3 * time.Second
	}

	runID := uuid.NewString()
	total := int64(unitsCheckpoint+unitsMigrateOld+unitsCreateNew+unitsMigrationIDs+unitsPromote) +
		cfg.Classification.UnitCount()

	o := &Orchestrator{
		cfg:      cfg,
		old:      old,
		token:    token,
		progress: NewProgress("dump-and-restore", total),
		report: &Report{
			RunID:        runID,
			DatabasePath: old.Paths().Main,
			Skipped:      append([]string(nil), cfg.Classification.Skipped...),
		},
		tracer: otel.Tracer(tracerName),
		logger: log.With().Str("component", "recovery").Str("run_id", runID).Logger(),
		runID:  runID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Progress returns the progress of the run. Callers may poll or subscribe.
func (o *Orchestrator) Progress() *Progress {
	return o.progress
}

// Report returns a snapshot of the run report.
func (o *Orchestrator) Report() *Report {
	return o.report.Copy()
}

// RunID identifies this run in logs, traces and reports.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run performs dump and restore. On success the rebuilt database has
// replaced the old one at its path. It fails with ErrRanOutOfDiskSpace or
// ErrUnrecoverablyCorrupted (wrapped in *Error); in both cases the old
// database file is left where it was. Run refuses to run twice and panics
// if the classification names an unsafe table.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if o.progress.Completed() != 0 || !o.started.CompareAndSwap(false, true) {
		o.logger.Error().Msg("Dump and restore should not be run more than once")
		return ErrAlreadyRun
	}

	bestEffort, flawless := o.cfg.Classification.identifiers()
	o.logTablesExplicitlySkipped()

	ctx, span := o.tracer.Start(ctx, "recovery.dump_and_restore", trace.WithAttributes(
		attribute.String("run_id", o.runID),
		attribute.String("database_path", o.old.Paths().Main),
		attribute.Int("tables.best_effort", len(bestEffort)),
		attribute.Int("tables.flawless", len(flawless)),
	))
	o.report.start()
	defer func() {
		o.report.finish(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.metrics.observeRun(runResult(err))
			o.logger.Error().Err(err).Msg("Dump and restore failed")
		} else {
			o.metrics.observeRun("success")
			o.logger.Info().Uint64("rows_copied", o.report.RowsCopied()).Msg("Dump and restore complete")
		}
		span.End()
	}()

	progressDone := o.trackProgress()
	defer progressDone()

	o.logger.Info().Str("database_path", o.old.Paths().Main).Msg("Attempting database dump and restore")

	_ = o.phase(ctx, PhaseCheckpoint, unitsCheckpoint, 0, func(context.Context, *Progress) error {
		o.checkpointOld(ctx)
		return nil
	})

	_ = o.phase(ctx, PhaseMigrateOld, unitsMigrateOld, 0, func(ctx context.Context, _ *Progress) error {
		if _, err := o.cfg.Migrator.Migrate(ctx, o.old, false); err != nil {
			o.logger.Warn().Err(err).Msg("Schema migrations on the old database failed, continuing")
		}
		return nil
	})

	newPaths := storage.PathsFor(filepath.Join(o.cfg.TempDir,
		fmt.Sprintf("%s.recovery-%s", filepath.Base(o.old.Paths().Main), o.runID)))
	defer o.deleteTemporaryDatabase(newPaths)

	var newStore *storage.SQLiteStore
	err = o.phase(ctx, PhaseCreateNew, unitsCreateNew, 0, func(ctx context.Context, _ *Progress) error {
		var err error
		newStore, err = o.createNewDatabase(ctx, newPaths.Main)
		return err
	})
	if err != nil {
		return &Error{Kind: ErrUnrecoverablyCorrupted, Phase: PhaseCreateNew, Err: err}
	}
	defer newStore.Close()

	err = o.phase(ctx, PhaseBestEffortCopy, int64(len(bestEffort)), int64(len(bestEffort)), func(ctx context.Context, p *Progress) error {
		return o.copyBestEffort(ctx, p, bestEffort, newStore)
	})
	if err != nil {
		return err
	}

	err = o.phase(ctx, PhaseFlawlessCopy, int64(len(flawless)), int64(len(flawless)), func(ctx context.Context, p *Progress) error {
		return o.copyFlawless(ctx, p, flawless, newStore)
	})
	if err != nil {
		return err
	}

	_ = o.phase(ctx, PhaseMigrationIDs, unitsMigrationIDs, 0, func(ctx context.Context, _ *Progress) error {
		o.copyMigrationIDs(ctx, newStore)
		return nil
	})

	err = o.phase(ctx, PhasePromote, unitsPromote, 0, func(ctx context.Context, _ *Progress) error {
		return o.promote(ctx, newStore)
	})
	if err != nil {
		return &Error{Kind: ErrUnrecoverablyCorrupted, Phase: PhasePromote, Err: err}
	}

	return nil
}

func runResult(err error) string {
	switch {
	case errors.Is(err, ErrRanOutOfDiskSpace):
		return "out_of_disk_space"
	case errors.Is(err, ErrUnrecoverablyCorrupted):
		return "unrecoverable"
	default:
		return "error"
	}
}

// phase runs fn as a progress step with a span and a report entry.
func (o *Orchestrator) phase(ctx context.Context, phase Phase, units, childTotal int64, fn func(context.Context, *Progress) error) error {
	ctx, span := o.tracer.Start(ctx, "recovery."+string(phase))
	defer span.End()

	start := time.Now()
	err := o.progress.Perform(string(phase), units, childTotal, func(p *Progress) error {
		return fn(ctx, p)
	})
	elapsed := time.Since(start)

	entry := PhaseReport{Phase: phase, Duration: elapsed}
	if err != nil {
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.report.addPhase(entry)
	o.metrics.observePhase(phase, elapsed.Seconds())
	o.logger.Debug().Str("phase", string(phase)).Dur("duration", elapsed).Msg("Phase finished")
	return err
}

func (o *Orchestrator) trackProgress() func() {
	if o.metrics == nil {
		return func() {}
	}
	updates, unsubscribe := o.progress.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range updates {
			o.metrics.setProgress(snap.Fraction)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func (o *Orchestrator) logTablesExplicitlySkipped() {
	for _, table := range o.cfg.Classification.Skipped {
		o.logger.Info().Str("table", table).Msg("Explicitly skipping table")
	}
}

// checkpointOld shrinks the old WAL before reading. Reads work from the WAL
// as well, so failure only costs time.
func (o *Orchestrator) checkpointOld(ctx context.Context) {
	result, err := o.old.Checkpoint(ctx, o.cfg.CheckpointBusyTimeout)
	switch {
	case err != nil:
		o.logger.Warn().Err(err).Msg("Failed to checkpoint the old database, continuing")
	case result.Busy:
		o.logger.Info().Msg("Checkpoint of the old database was blocked, continuing")
	default:
		o.logger.Info().Msg("Checkpointed the old database")
	}
}

// createNewDatabase creates and fully migrates the temporary database, then
// empties every table so rows seeded by migrations cannot collide with the
// rows about to be copied.
func (o *Orchestrator) createNewDatabase(ctx context.Context, path string) (*storage.SQLiteStore, error) {
	store, err := o.cfg.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open new database: %w", err)
	}

	if _, err := o.cfg.Migrator.Migrate(ctx, store, true); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate new database: %w", err)
	}

	if err := deleteEverything(ctx, store); err != nil {
		store.Close()
		return nil, err
	}

	drift, err := CompareSchemas(ctx, o.old, store)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Could not compare schemas")
	} else {
		o.report.setSchemaDrift(drift)
		if !drift.Equal() {
			o.logger.Info().
				Int("added", len(drift.Added)).
				Int("removed", len(drift.Removed)).
				Msg("Old and new schemas differ")
		}
	}

	o.logger.Info().Str("path", path).Msg("Created new database")
	return store, nil
}

// deleteEverything empties every table apart from SQLite's own tables, the
// migrations table and full-text shadow tables. Data migrations are forgotten
// along with the rows they wrote, so only the identifiers copied over from
// the old database mark them applied.
func deleteEverything(ctx context.Context, store *storage.SQLiteStore) error {
	tables, err := store.TableNames(ctx)
	if err != nil {
		return err
	}

	return store.Write(ctx, func(tx *storage.Transaction) error {
		for _, name := range tables {
			if name == storage.MigrationsTable || storage.IsFTSShadowTable(name, tables) {
				continue
			}
			if strings.HasPrefix(strings.ToLower(name), "sqlite") {
				continue
			}
			table := storage.MustIdentifier(name)
			if _, err := tx.Exec("DELETE FROM " + table.Quoted()); err != nil {
				return fmt.Errorf("failed to empty %s: %w", name, err)
			}
		}
		_, err := tx.Exec("DELETE FROM "+storage.MigrationsTable+" WHERE kind = ?", string(storage.DataMigration))
		if err != nil {
			return fmt.Errorf("failed to forget data migrations: %w", err)
		}
		return nil
	})
}

func (o *Orchestrator) copyTable(ctx context.Context, tier Tier, table storage.SafeIdentifier, to *storage.SQLiteStore) CopyResult {
	ctx, span := o.tracer.Start(ctx, "recovery.copy_table", trace.WithAttributes(
		attribute.String("table", table.String()),
		attribute.String("tier", string(tier)),
	))
	defer span.End()

	o.logger.Info().Str("table", table.String()).Str("tier", string(tier)).Msg("Attempting to copy table")

	start := time.Now()
	result := CopyTable(ctx, o.token, table, o.old, to)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("outcome", result.Outcome.String()),
		attribute.Int64("rows_copied", int64(result.RowsCopied)),
		attribute.Int64("rows_failed", result.FailedRowCount),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
	}

	entry := TableReport{
		Table:          table.String(),
		Tier:           tier,
		Outcome:        result.Outcome,
		RowsCopied:     result.RowsCopied,
		FailedRowCount: result.FailedRowCount,
		Duration:       elapsed,
	}
	for _, f := range result.FailedRows {
		entry.FailedRows = append(entry.FailedRows, f.Index)
	}
	if result.Err != nil {
		entry.Error = result.Err.Error()
	}
	o.report.addTable(entry)
	o.metrics.observeTable(tier, result)

	return result
}

func (o *Orchestrator) copyBestEffort(ctx context.Context, p *Progress, tables []storage.SafeIdentifier, to *storage.SQLiteStore) error {
	for _, table := range tables {
		err := p.Perform(table.String(), 1, 0, func(*Progress) error {
			result := o.copyTable(ctx, TierBestEffort, table, to)
			event := o.logger.Info()
			switch result.Outcome {
			case TotalFailure:
				event = o.logger.Warn().Err(result.Err)
			case PartialFailure:
				event = o.logger.Warn().Err(result.Err).Int64("rows_failed", result.FailedRowCount)
			}
			event.Str("table", table.String()).
				Stringer("outcome", result.Outcome).
				Uint64("rows_copied", result.RowsCopied).
				Msg("Finished copying table (best effort)")

			if result.Outcome != Success && storage.IsDiskFull(result.Err) {
				return &Error{Kind: ErrRanOutOfDiskSpace, Phase: PhaseBestEffortCopy, Table: table.String(), Err: result.Err}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) copyFlawless(ctx context.Context, p *Progress, tables []storage.SafeIdentifier, to *storage.SQLiteStore) error {
	for _, table := range tables {
		err := p.Perform(table.String(), 1, 0, func(*Progress) error {
			result := o.copyTable(ctx, TierFlawless, table, to)
			if result.Outcome == Success {
				o.logger.Info().
					Str("table", table.String()).
					Uint64("rows_copied", result.RowsCopied).
					Msg("Finished copying table (flawless)")
				return nil
			}

			o.logger.Error().
				Err(result.Err).
				Str("table", table.String()).
				Stringer("outcome", result.Outcome).
				Uint64("rows_copied", result.RowsCopied).
				Int64("rows_failed", result.FailedRowCount).
				Msg("Table that must be copied flawlessly failed")
			if storage.IsDiskFull(result.Err) {
				return &Error{Kind: ErrRanOutOfDiskSpace, Phase: PhaseFlawlessCopy, Table: table.String(), Err: result.Err}
			}
			return &Error{Kind: ErrUnrecoverablyCorrupted, Phase: PhaseFlawlessCopy, Table: table.String(), Err: result.Err}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// copyMigrationIDs records the old database's applied migrations in the new
// one, so migrations unknown to this build are not rerun later.
func (o *Orchestrator) copyMigrationIDs(ctx context.Context, to *storage.SQLiteStore) {
	ids, err := storage.AppliedIDs(ctx, o.old)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to read migration identifiers from the old database")
		return
	}

	err = to.Write(ctx, func(tx *storage.Transaction) error {
		for _, id := range ids {
			if _, err := tx.Exec("INSERT OR IGNORE INTO "+storage.MigrationsTable+" (identifier) VALUES (?)", id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to copy migration identifiers")
		return
	}
	o.logger.Info().Int("count", len(ids)).Msg("Copied migration identifiers")
}

func (o *Orchestrator) deleteTemporaryDatabase(paths storage.Paths) {
	if err := storage.RemoveDatabaseFiles(paths); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to delete temporary database")
	}
}
