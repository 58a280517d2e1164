package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by every operation on a store that has been closed.
var ErrClosed = errors.New("store is closed")

// ErrCheckpointIncomplete is returned by CloseCheckpointed when WAL frames
// could not be moved into the main database file.
var ErrCheckpointIncomplete = errors.New("checkpoint incomplete")

// SQLiteStore is a handle on one SQLite database file opened in WAL mode.
//
// Writes are serialized through Write (and Exec). Checkpoints take the same
// lock so they always run between write transactions.
type SQLiteStore struct {
	db          *sql.DB
	paths       Paths
	busyTimeout time.Duration
	writeMu     sync.Mutex
	mu          sync.RWMutex
	closed      bool
	metrics     storageCounters
	observersMu sync.RWMutex
	observers   []WriteObserver
}

// Paths lists the files that make up a database on disk.
type Paths struct {
	Main string
	WAL  string
	SHM  string
}

// All returns the main file followed by its sidecars.
func (p Paths) All() []string {
	return []string{p.Main, p.WAL, p.SHM}
}

// PathsFor returns the file layout for a database at path.
func PathsFor(path string) Paths {
	return Paths{Main: path, WAL: path + "-wal", SHM: path + "-shm"}
}

// WriteObserver is notified after every committed write transaction.
type WriteObserver interface {
	OnWriteCompleted()
}

// StorageMetrics is a point-in-time snapshot of store activity.
type StorageMetrics struct {
	QueryCount       int64
	TransactionCount int64
	ErrorCount       int64
	CheckpointCount  int64
	DatabaseSize     int64
	WALSize          int64
}

type storageCounters struct {
	queries      atomic.Int64
	transactions atomic.Int64
	errors       atomic.Int64
	checkpoints  atomic.Int64
}

// Transaction is a unit of work on a store, either read or write.
type Transaction struct {
	ctx    context.Context
	tx     *sql.Tx
	store  *SQLiteStore
	active bool
	mu     sync.Mutex
}

// Config holds SQLiteStore configuration
type Config struct {
	DatabasePath string
	// BusyTimeout bounds how long ordinary statements wait on a lock.
	// Zero means effectively unbounded.
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// Pragmas are executed on every new connection.
	Pragmas []string
}

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "data/signal.sqlite",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

type connector struct {
	dsn    string
	driver *sqlite3.SQLiteDriver
}

func (c *connector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

func busyTimeoutMillis(d time.Duration) int64 {
	if d <= 0 {
		return math.MaxInt32
	}
	return d.Milliseconds()
}

// Open opens (creating if needed) the database described by config.
func Open(config *Config) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DatabasePath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_cache_size=-64000",
		config.DatabasePath, busyTimeoutMillis(config.BusyTimeout))

	pragmas := append([]string(nil), config.Pragmas...)
	drv := &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range pragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("failed to apply %q: %w", pragma, err)
				}
			}
			return nil
		},
	}
	db := sql.OpenDB(&connector{dsn: dsn, driver: drv})

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:          db,
		paths:       PathsFor(config.DatabasePath),
		busyTimeout: config.BusyTimeout,
	}

	log.Debug().
		Str("database_path", config.DatabasePath).
		Int("max_open_conns", maxOpen).
		Msg("SQLite store opened")

	return store, nil
}

// Paths reports the main, WAL and SHM file paths of the store.
func (s *SQLiteStore) Paths() Paths {
	return s.paths
}

// AddWriteObserver registers o to be told about committed writes.
func (s *SQLiteStore) AddWriteObserver(o WriteObserver) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *SQLiteStore) notifyWriteCompleted() {
	s.observersMu.RLock()
	observers := append([]WriteObserver(nil), s.observers...)
	s.observersMu.RUnlock()

	for _, o := range observers {
		o.OnWriteCompleted()
	}
}

// BeginTransaction starts a new database transaction. Callers that write
// should prefer Write, which serializes writers.
func (s *SQLiteStore) BeginTransaction(ctx context.Context) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.metrics.errors.Add(1)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.metrics.transactions.Add(1)

	return &Transaction{
		ctx:    ctx,
		tx:     tx,
		store:  s,
		active: true,
	}, nil
}

// Read runs fn inside a transaction that is committed when fn returns nil.
func (s *SQLiteStore) Read(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := s.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("Failed to roll back read transaction")
		}
		return err
	}
	return tx.Commit()
}

// Write runs fn inside the single write transaction of this store. The
// transaction commits when fn returns nil and is rolled back otherwise.
// Write observers are notified after a successful commit.
func (s *SQLiteStore) Write(ctx context.Context, fn func(tx *Transaction) error) error {
	if err := s.write(ctx, fn); err != nil {
		return err
	}
	s.notifyWriteCompleted()
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, fn func(tx *Transaction) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("Failed to roll back write transaction")
		}
		return err
	}
	return tx.Commit()
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return fmt.Errorf("transaction is not active")
	}

	err := t.tx.Commit()
	t.active = false

	if err != nil {
		t.store.metrics.errors.Add(1)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Rollback rolls back the transaction
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil // Already rolled back or committed
	}

	err := t.tx.Rollback()
	t.active = false

	if err != nil {
		t.store.metrics.errors.Add(1)
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

// Exec executes a statement within the transaction
func (t *Transaction) Exec(query string, args ...interface{}) (sql.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}

	t.store.metrics.queries.Add(1)
	result, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		t.store.metrics.errors.Add(1)
	}

	return result, err
}

// Query executes a query within the transaction
func (t *Transaction) Query(query string, args ...interface{}) (*sql.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}

	t.store.metrics.queries.Add(1)
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		t.store.metrics.errors.Add(1)
	}

	return rows, err
}

// QueryRow executes a single-row query within the transaction
func (t *Transaction) QueryRow(query string, args ...interface{}) *sql.Row {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.metrics.queries.Add(1)
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// Prepare compiles a statement bound to the transaction.
func (t *Transaction) Prepare(query string) (*sql.Stmt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}

	stmt, err := t.tx.PrepareContext(t.ctx, query)
	if err != nil {
		t.store.metrics.errors.Add(1)
	}
	return stmt, err
}

// Exec executes a statement on the write path outside an explicit
// transaction.
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.writeMu.Lock()
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		s.writeMu.Unlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	s.metrics.queries.Add(1)
	result, err := s.db.ExecContext(ctx, query, args...)
	s.writeMu.Unlock()

	if err != nil {
		s.metrics.errors.Add(1)
		return result, err
	}
	s.notifyWriteCompleted()
	return result, nil
}

// Query executes a query outside of a transaction
func (s *SQLiteStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	s.metrics.queries.Add(1)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.metrics.errors.Add(1)
	}

	return rows, err
}

// QueryRow executes a single-row query outside of a transaction
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.metrics.queries.Add(1)
	return s.db.QueryRowContext(ctx, query, args...)
}

// CheckpointResult is the row returned by PRAGMA wal_checkpoint.
type CheckpointResult struct {
	// Busy is set when the checkpoint could not complete because another
	// connection held a lock.
	Busy               bool
	LogFrames          int
	CheckpointedFrames int
}

// Checkpoint runs a truncating WAL checkpoint on a dedicated connection
// whose busy timeout is temporarily set to busyTimeout. It waits for any
// in-flight write transaction to finish first and must not be called from
// inside Write.
//
// A checkpoint that cannot obtain its locks is reported through
// CheckpointResult.Busy, not as an error.
func (s *SQLiteStore) Checkpoint(ctx context.Context, busyTimeout time.Duration) (CheckpointResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return CheckpointResult{}, ErrClosed
	}

	return s.checkpointLocked(ctx, busyTimeout)
}

func (s *SQLiteStore) checkpointLocked(ctx context.Context, busyTimeout time.Duration) (CheckpointResult, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.metrics.errors.Add(1)
		return CheckpointResult{}, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis(busyTimeout))); err != nil {
		return CheckpointResult{}, fmt.Errorf("failed to set checkpoint busy timeout: %w", err)
	}
	defer func() {
		restore := fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis(s.busyTimeout))
		if _, err := conn.ExecContext(context.Background(), restore); err != nil {
			log.Warn().Err(err).Msg("Failed to restore busy timeout")
		}
	}()

	s.metrics.checkpoints.Add(1)

	var result CheckpointResult
	var busy int
	err = conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").
		Scan(&busy, &result.LogFrames, &result.CheckpointedFrames)
	if err != nil {
		if IsBusy(err) {
			return CheckpointResult{Busy: true}, nil
		}
		s.metrics.errors.Add(1)
		return CheckpointResult{}, fmt.Errorf("failed to checkpoint: %w", err)
	}
	result.Busy = busy != 0

	return result, nil
}

// CheckIntegrity runs PRAGMA quick_check (or integrity_check when full is
// set) and returns the reported problems. An empty slice means the database
// is consistent.
func (s *SQLiteStore) CheckIntegrity(ctx context.Context, full bool) ([]string, error) {
	pragma := "PRAGMA quick_check"
	if full {
		pragma = "PRAGMA integrity_check"
	}

	rows, err := s.Query(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("failed to run integrity check: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to read integrity check result: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read integrity check result: %w", err)
	}

	return problems, nil
}

// GetMetrics returns current storage metrics
func (s *SQLiteStore) GetMetrics() StorageMetrics {
	m := StorageMetrics{
		QueryCount:       s.metrics.queries.Load(),
		TransactionCount: s.metrics.transactions.Load(),
		ErrorCount:       s.metrics.errors.Load(),
		CheckpointCount:  s.metrics.checkpoints.Load(),
	}
	if stat, err := os.Stat(s.paths.Main); err == nil {
		m.DatabaseSize = stat.Size()
	}
	if stat, err := os.Stat(s.paths.WAL); err == nil {
		m.WALSize = stat.Size()
	}
	return m
}

// Close closes the database. Pending writes are allowed to finish.
func (s *SQLiteStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closeLocked()
}

func (s *SQLiteStore) closeLocked() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	db := s.db
	s.mu.Unlock()

	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Debug().Str("database_path", s.paths.Main).Msg("SQLite store closed")
	return nil
}

// CheckpointAndClose runs a truncating checkpoint and closes the store.
// A failed checkpoint is logged; the store is closed regardless.
func (s *SQLiteStore) CheckpointAndClose(ctx context.Context, busyTimeout time.Duration) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}

	result, err := s.Checkpoint(ctx, busyTimeout)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("database_path", s.paths.Main).Msg("Checkpoint before close failed")
	case result.Busy:
		log.Info().Str("database_path", s.paths.Main).Msg("Checkpoint before close was blocked")
	}

	return s.Close()
}

// CloseCheckpointed runs a truncating checkpoint and closes the store only
// when every WAL frame reached the main database file. Otherwise the store is
// left open and the returned error wraps ErrCheckpointIncomplete or the
// checkpoint failure; the WAL still holds committed data and must be kept.
// No write can slip in between the checkpoint and the close.
func (s *SQLiteStore) CloseCheckpointed(ctx context.Context, busyTimeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	result, err := s.checkpointLocked(ctx, busyTimeout)
	if err != nil {
		return err
	}
	if result.Busy {
		return fmt.Errorf("%w: blocked by another connection", ErrCheckpointIncomplete)
	}
	if result.CheckpointedFrames < result.LogFrames {
		return fmt.Errorf("%w: %d of %d frames checkpointed",
			ErrCheckpointIncomplete, result.CheckpointedFrames, result.LogFrames)
	}

	return s.closeLocked()
}

// RemoveSidecars deletes the WAL and SHM files of a closed database.
func RemoveSidecars(paths Paths) error {
	for _, path := range []string{paths.WAL, paths.SHM} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// RemoveDatabaseFiles deletes the main file and both sidecars.
func RemoveDatabaseFiles(paths Paths) error {
	var errs []error
	for _, path := range paths.All() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
