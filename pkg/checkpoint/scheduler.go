// Package checkpoint keeps the write-ahead log of a database bounded by
// running truncating checkpoints between write transactions.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

const (
	resultSuccess = "success"
	resultBusy    = "busy"
	resultError   = "error"

	modeBackground = "background"
	modeSync       = "sync"
)

// ErrClosed is returned by CheckpointNow after Close.
var ErrClosed = errors.New("checkpoint scheduler is closed")

// Checkpointer is the database operation the scheduler drives.
// *storage.SQLiteStore implements it.
type Checkpointer interface {
	Checkpoint(ctx context.Context, busyTimeout time.Duration) (storage.CheckpointResult, error)
}

// Clock supplies monotonic time. Go's time.Now carries a monotonic reading,
// so Sub between two values is immune to wall clock changes.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config tunes the budget policy.
type Config struct {
	// InitialBudget is the number of writes before the first checkpoint.
	InitialBudget int
	// SuccessBudget is the budget after a successful checkpoint.
	SuccessBudget int
	// FailureBudget is the budget after a busy or failed checkpoint.
	FailureBudget int
	// MinInterval is the minimum time between the last successful
	// checkpoint and the next attempt.
	MinInterval time.Duration
	// BackgroundBusyTimeout bounds how long a scheduled checkpoint waits for
	// readers and writers to drain.
	BackgroundBusyTimeout time.Duration
	// SyncBusyTimeout bounds CheckpointNow.
	SyncBusyTimeout time.Duration
}

// DefaultConfig returns the standard policy: one write before the first
// checkpoint, 32 after a success, 5 after a failure.
func DefaultConfig() Config {
	return Config{
		InitialBudget:         1,
		SuccessBudget:         32,
		FailureBudget:         5,
		MinInterval:           250 * time.Millisecond,
		BackgroundBusyTimeout: 50 * time.Millisecond,
		SyncBusyTimeout:       3 * time.Second,
	}
}

// Validate checks that cfg describes a usable policy.
func (c Config) Validate() error {
	if c.InitialBudget <= 0 || c.SuccessBudget <= 0 || c.FailureBudget <= 0 {
		return fmt.Errorf("checkpoint budgets must be positive")
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("checkpoint min interval must not be negative")
	}
	if c.BackgroundBusyTimeout <= 0 || c.SyncBusyTimeout <= 0 {
		return fmt.Errorf("checkpoint busy timeouts must be positive")
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMetrics records attempts in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler decides after each write whether to fold the WAL back into the
// main database file. Scheduled checkpoints run on a background goroutine
// so OnWriteCompleted never blocks the writer.
type Scheduler struct {
	target  Checkpointer
	cfg     Config
	clock   Clock
	metrics *Metrics
	logger  zerolog.Logger

	mu          sync.Mutex
	budget      int
	lastSuccess time.Time
	hasSuccess  bool
	closed      bool

	requests chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler starts a scheduler for target. Close must be called to stop
// its background goroutine.
func NewScheduler(target Checkpointer, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		target:   target,
		cfg:      cfg,
		clock:    systemClock{},
		budget:   cfg.InitialBudget,
		logger:   log.With().Str("component", "checkpoint").Logger(),
		requests: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.setBudget(s.budget)

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// OnWriteCompleted must be called after every write transaction. When the
// budget runs out a checkpoint is scheduled. The budget never goes below
// zero; further writes while a checkpoint is pending do nothing.
func (s *Scheduler) OnWriteCompleted() {
	s.mu.Lock()
	if s.closed || s.budget == 0 {
		s.mu.Unlock()
		return
	}
	s.budget--
	schedule := s.budget == 0
	s.metrics.setBudget(s.budget)
	s.mu.Unlock()

	if !schedule {
		return
	}
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Budget returns the writes remaining before the next scheduled checkpoint.
func (s *Scheduler) Budget() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

// LastSuccess returns the time of the last successful scheduled
// checkpoint, if any.
func (s *Scheduler) LastSuccess() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess, s.hasSuccess
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.requests:
		}

		if delay := s.delay(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-s.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		s.tryToCheckpoint()
	}
}

// delay is how long to wait so attempts are at least MinInterval after the
// last success.
func (s *Scheduler) delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasSuccess {
		return 0
	}
	delay := s.cfg.MinInterval - s.clock.Now().Sub(s.lastSuccess)
	if delay < 0 {
		return 0
	}
	return delay
}

func (s *Scheduler) tryToCheckpoint() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := s.clock.Now()
	result, err := s.target.Checkpoint(ctx, s.cfg.BackgroundBusyTimeout)
	elapsed := s.clock.Now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err != nil:
		s.budget = s.cfg.FailureBudget
		s.metrics.observe(modeBackground, resultError, elapsed.Seconds(), 0)
		if errors.Is(err, storage.ErrClosed) || errors.Is(err, context.Canceled) {
			s.logger.Debug().Err(err).Msg("Skipped checkpoint")
		} else {
			s.logger.Error().Err(err).Msg("Checkpoint failed")
		}
	case result.Busy:
		s.budget = s.cfg.FailureBudget
		s.metrics.observe(modeBackground, resultBusy, elapsed.Seconds(), 0)
		s.logger.Info().Msg("Checkpoint blocked by other connections, will retry")
	default:
		s.budget = s.cfg.SuccessBudget
		s.lastSuccess = s.clock.Now()
		s.hasSuccess = true
		s.metrics.observe(modeBackground, resultSuccess, elapsed.Seconds(), result.LogFrames)
		s.logger.Debug().
			Int("log_frames", result.LogFrames).
			Int("checkpointed_frames", result.CheckpointedFrames).
			Dur("duration", elapsed).
			Msg("Checkpoint complete")
	}
	s.metrics.setBudget(s.budget)
}

// CheckpointNow runs a truncating checkpoint on the calling goroutine with
// the longer synchronous busy timeout. A busy database is not an error.
// The write budget is left untouched.
func (s *Scheduler) CheckpointNow(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	start := s.clock.Now()
	result, err := s.target.Checkpoint(ctx, s.cfg.SyncBusyTimeout)
	elapsed := s.clock.Now().Sub(start).Seconds()
	if err != nil {
		s.metrics.observe(modeSync, resultError, elapsed, 0)
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	if result.Busy {
		s.metrics.observe(modeSync, resultBusy, elapsed, 0)
		s.logger.Info().Msg("Truncating checkpoint failed due to busy")
		return nil
	}
	s.metrics.observe(modeSync, resultSuccess, elapsed, result.LogFrames)
	return nil
}

// Close stops the background goroutine. A checkpoint in progress is
// cancelled.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return nil
}
