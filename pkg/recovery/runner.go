package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/corruption"
	"github.com/sandboxrunner/dbguard/pkg/resilience"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// Action is what a Runner did.
type Action string

const (
	ActionNone            Action = "none"
	ActionRepairedInPlace Action = "repaired_in_place"
	ActionRestored        Action = "restored"
	ActionRecreated       Action = "recreated"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Store is the configuration used to open the database.
	Store          *storage.Config
	Classification Classification
	Migrator       MigrationRunner
	TempDir        string

	CheckpointBusyTimeout time.Duration
	// MaxAttempts bounds dump and restore attempts between clean integrity
	// checks. Zero means unlimited.
	MaxAttempts   int64
	ReindexFirst  bool
	IntegrityMode IntegrityMode

	// CheckFreeSpace refuses to start when the temporary directory cannot
	// hold a copy of the database.
	CheckFreeSpace bool

	PreserveCorruptCopy bool
	BackupDir           string
	BackupKeep          int

	Rebuilders []Rebuilder

	// TokenRetry controls waiting for a writer token held by another
	// process. Nil fails at once.
	TokenRetry *resilience.RetryConfig
}

// RunOutcome describes a Runner pass.
type RunOutcome struct {
	Action       Action             `json:"action"`
	StatusBefore corruption.Status  `json:"status_before"`
	StatusAfter  corruption.Status  `json:"status_after"`
	Attempt      int64              `json:"attempt,omitempty"`
	PreservedAt  string             `json:"preserved_at,omitempty"`
	Report       *Report            `json:"report,omitempty"`
	Recreation   []RecreationResult `json:"recreation,omitempty"`
	Integrity    *IntegrityResult   `json:"integrity,omitempty"`
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerMetrics records dump and restore runs in m.
func WithRunnerMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithOrchestratorObserver calls fn with the orchestrator before it runs,
// so callers can follow its progress.
func WithOrchestratorObserver(fn func(*Orchestrator)) RunnerOption {
	return func(r *Runner) { r.observe = fn }
}

// Runner drives recovery from whatever state the tracker records: dump and
// restore for a corrupted database, then recreation of derived data, then
// a final integrity check that clears the status.
//
// The database must not be open elsewhere in this process while Run is in
// progress.
type Runner struct {
	cfg     RunnerConfig
	tracker *corruption.Tracker
	metrics *Metrics
	observe func(*Orchestrator)
}

// NewRunner creates a Runner for the database described by cfg.Store.
func NewRunner(cfg RunnerConfig, tracker *corruption.Tracker, opts ...RunnerOption) (*Runner, error) {
	if cfg.Store == nil || cfg.Store.DatabasePath == "" {
		return nil, errors.New("database path is required")
	}
	if tracker == nil {
		return nil, errors.New("corruption tracker is required")
	}
	if cfg.Migrator == nil {
		return nil, errors.New("migration runner is required")
	}
	if cfg.IntegrityMode == "" {
		cfg.IntegrityMode = IntegrityQuick
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Dir(cfg.Store.DatabasePath)
	}

	r := &Runner{cfg: cfg, tracker: tracker}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) open(path string) (*storage.SQLiteStore, error) {
	config := *r.cfg.Store
	config.DatabasePath = path
	return storage.Open(&config)
}

// Run performs whatever recovery the persisted status calls for.
func (r *Runner) Run(ctx context.Context) (*RunOutcome, error) {
	outcome := &RunOutcome{Action: ActionNone}
	outcome.StatusBefore = r.tracker.Read()
	outcome.StatusAfter = outcome.StatusBefore

	switch outcome.StatusBefore {
	case corruption.NotCorrupted:
		log.Debug().Msg("Database is not marked corrupted")
		return outcome, nil

	case corruption.Corrupted:
		repaired, err := r.restore(ctx, outcome)
		outcome.StatusAfter = r.tracker.Read()
		if err != nil || repaired {
			return outcome, err
		}
	}

	err := r.recreate(ctx, outcome)
	outcome.StatusAfter = r.tracker.Read()
	return outcome, err
}

// restore repairs a database marked corrupted. It reports true when a
// reindex was enough.
func (r *Runner) restore(ctx context.Context, outcome *RunOutcome) (bool, error) {
	path := r.cfg.Store.DatabasePath

	token, err := WaitForWriterToken(ctx, path, r.cfg.TokenRetry)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := token.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release writer token")
		}
	}()

	old, err := r.open(path)
	if err != nil {
		return false, &Error{Kind: ErrUnrecoverablyCorrupted, Phase: PhasePreflight, Err: err}
	}
	defer old.Close()

	if r.cfg.ReindexFirst && Reindex(ctx, old) == nil {
		result := IntegrityCheck(ctx, old, r.cfg.IntegrityMode)
		outcome.Integrity = &result
		if result.OK {
			log.Info().Msg("Reindexing repaired the database")
			r.tracker.MarkNotCorrupted()
			outcome.Action = ActionRepairedInPlace
			return true, nil
		}
	}

	if r.cfg.CheckFreeSpace {
		if err := checkFreeSpace(old.Paths(), r.cfg.TempDir); err != nil {
			return false, err
		}
	}

	// Only a dump and restore that actually starts counts as an attempt.
	attempt := r.tracker.RecordRecoveryAttempt()
	outcome.Attempt = attempt
	if r.cfg.MaxAttempts > 0 && attempt > r.cfg.MaxAttempts {
		log.Error().Int64("attempt", attempt).Int64("max_attempts", r.cfg.MaxAttempts).Msg("Giving up on database recovery")
		return false, &Error{
			Kind:  ErrUnrecoverablyCorrupted,
			Phase: PhasePreflight,
			Err:   fmt.Errorf("%d recovery attempts exceed the limit of %d", attempt, r.cfg.MaxAttempts),
		}
	}

	if r.cfg.PreserveCorruptCopy {
		dir, err := storage.PreserveFiles(old.Paths(), r.cfg.BackupDir, r.cfg.BackupKeep)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to preserve a copy of the corrupted database")
		} else {
			outcome.PreservedAt = dir
			log.Info().Str("dir", dir).Msg("Preserved a copy of the corrupted database")
		}
	}

	orchestrator, err := NewOrchestrator(old, token, Config{
		Classification:        r.cfg.Classification,
		Migrator:              r.cfg.Migrator,
		Open:                  r.open,
		TempDir:               r.cfg.TempDir,
		CheckpointBusyTimeout: r.cfg.CheckpointBusyTimeout,
	}, WithMetrics(r.metrics))
	if err != nil {
		return false, err
	}
	if r.observe != nil {
		r.observe(orchestrator)
	}

	err = orchestrator.Run(ctx)
	outcome.Report = orchestrator.Report()
	if err != nil {
		return false, err
	}

	r.tracker.MarkRestored()
	outcome.Action = ActionRestored
	return false, nil
}

// recreate rebuilds derived data on a restored database and clears the
// status once the database checks clean.
func (r *Runner) recreate(ctx context.Context, outcome *RunOutcome) error {
	store, err := r.open(r.cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to reopen restored database: %w", err)
	}
	defer store.Close()

	results, err := NewManualRecreation(store, r.cfg.Rebuilders...).Run(ctx)
	if err != nil {
		return err
	}
	outcome.Recreation = results
	if outcome.Action == ActionNone {
		outcome.Action = ActionRecreated
	}

	result := IntegrityCheck(ctx, store, r.cfg.IntegrityMode)
	outcome.Integrity = &result
	if result.OK {
		r.tracker.MarkNotCorrupted()
	} else {
		log.Warn().Msg("Restored database failed its integrity check, leaving it marked restored")
	}
	return nil
}

// checkFreeSpace fails with ErrRanOutOfDiskSpace when dir cannot hold a
// copy of the database. Platforms without a free space probe pass.
func checkFreeSpace(paths storage.Paths, dir string) error {
	var need uint64
	for _, path := range []string{paths.Main, paths.WAL} {
		if stat, err := os.Stat(path); err == nil {
			need += uint64(stat.Size())
		}
	}

	available, err := storage.AvailableBytes(dir)
	if err != nil {
		log.Warn().Err(err).Msg("Could not determine free disk space, continuing")
		return nil
	}
	if available < need {
		return &Error{
			Kind:  ErrRanOutOfDiskSpace,
			Phase: PhasePreflight,
			Err:   fmt.Errorf("%d bytes available in %s, need %d", available, dir, need),
		}
	}
	return nil
}
