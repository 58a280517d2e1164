package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	writes atomic.Int32
}

func (o *countingObserver) OnWriteCompleted() {
	o.writes.Add(1)
}

func setupTestStore(t *testing.T, pragmas ...string) *SQLiteStore {
	t.Helper()

	config := DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.sqlite")
	config.Pragmas = pragmas

	store, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Exec(context.Background(), "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE, payload BLOB)")
	require.NoError(t, err)
	return store
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(dir, "nested", "test.sqlite")

	store, err := Open(config)
	require.NoError(t, err)
	defer store.Close()

	var result int
	require.NoError(t, store.QueryRow(context.Background(), "SELECT 1").Scan(&result))
	assert.Equal(t, 1, result)

	var mode string
	require.NoError(t, store.QueryRow(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	paths := store.Paths()
	assert.Equal(t, config.DatabasePath, paths.Main)
	assert.Equal(t, config.DatabasePath+"-wal", paths.WAL)
	assert.Equal(t, config.DatabasePath+"-shm", paths.SHM)

	t.Run("empty path", func(t *testing.T) {
		_, err := Open(&Config{})
		assert.Error(t, err)
	})
}

func TestSQLiteStore_Write(t *testing.T) {
	store := setupTestStore(t)
	observer := &countingObserver{}
	store.AddWriteObserver(observer)
	ctx := context.Background()

	t.Run("commit notifies observers", func(t *testing.T) {
		err := store.Write(ctx, func(tx *Transaction) error {
			_, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "first")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, int32(1), observer.writes.Load())

		var count int
		require.NoError(t, store.QueryRow(ctx, "SELECT count(*) FROM items").Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("error rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Write(ctx, func(tx *Transaction) error {
			if _, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "second"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(1), observer.writes.Load())

		var count int
		require.NoError(t, store.QueryRow(ctx, "SELECT count(*) FROM items WHERE name = 'second'").Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("read sees committed data", func(t *testing.T) {
		var names []string
		err := store.Read(ctx, func(tx *Transaction) error {
			rows, err := tx.Query("SELECT name FROM items ORDER BY id")
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var name string
				if err := rows.Scan(&name); err != nil {
					return err
				}
				names = append(names, name)
			}
			return rows.Err()
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"first"}, names)
	})

	t.Run("closed store", func(t *testing.T) {
		closed := setupTestStore(t)
		require.NoError(t, closed.Close())
		require.NoError(t, closed.Close())

		err := closed.Write(ctx, func(tx *Transaction) error { return nil })
		assert.ErrorIs(t, err, ErrClosed)
		_, err = closed.Checkpoint(ctx, time.Second)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestSQLiteStore_Checkpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("truncates the WAL", func(t *testing.T) {
		store := setupTestStore(t)
		for i := 0; i < 20; i++ {
			_, err := store.Exec(ctx, "INSERT INTO items (name) VALUES (?)", fmt.Sprintf("item-%d", i))
			require.NoError(t, err)
		}
		assert.Positive(t, store.GetMetrics().WALSize)

		result, err := store.Checkpoint(ctx, time.Second)
		require.NoError(t, err)
		assert.False(t, result.Busy)
		assert.Zero(t, store.GetMetrics().WALSize)
		assert.Equal(t, int64(1), store.GetMetrics().CheckpointCount)
	})

	t.Run("open reader makes it busy", func(t *testing.T) {
		store := setupTestStore(t)
		_, err := store.Exec(ctx, "INSERT INTO items (name) VALUES ('x')")
		require.NoError(t, err)

		err = store.Read(ctx, func(tx *Transaction) error {
			var n int
			if err := tx.QueryRow("SELECT count(*) FROM items").Scan(&n); err != nil {
				return err
			}
			result, err := store.Checkpoint(ctx, 10*time.Millisecond)
			require.NoError(t, err)
			assert.True(t, result.Busy)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestSQLiteStore_CloseCheckpointed(t *testing.T) {
	ctx := context.Background()

	t.Run("blocked checkpoint keeps the store open", func(t *testing.T) {
		store := setupTestStore(t)
		_, err := store.Exec(ctx, "INSERT INTO items (name) VALUES ('kept')")
		require.NoError(t, err)

		err = store.Read(ctx, func(tx *Transaction) error {
			var n int
			if err := tx.QueryRow("SELECT count(*) FROM items").Scan(&n); err != nil {
				return err
			}
			_, err := store.Exec(ctx, "INSERT INTO items (name) VALUES ('pending')")
			require.NoError(t, err)

			err = store.CloseCheckpointed(ctx, 10*time.Millisecond)
			assert.ErrorIs(t, err, ErrCheckpointIncomplete)
			return nil
		})
		require.NoError(t, err)

		assert.FileExists(t, store.Paths().WAL)
		var n int
		require.NoError(t, store.QueryRow(ctx, "SELECT count(*) FROM items").Scan(&n))
		assert.Equal(t, 2, n)
	})

	t.Run("closes after a full checkpoint", func(t *testing.T) {
		store := setupTestStore(t)
		_, err := store.Exec(ctx, "INSERT INTO items (name) VALUES ('x')")
		require.NoError(t, err)

		require.NoError(t, store.CloseCheckpointed(ctx, time.Second))
		_, err = store.Exec(ctx, "SELECT 1")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, store.CloseCheckpointed(ctx, time.Second), ErrClosed)
	})
}

func TestSQLiteStore_CheckIntegrity(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	problems, err := store.CheckIntegrity(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, problems)

	problems, err = store.CheckIntegrity(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestSQLiteStore_DiskFull(t *testing.T) {
	store := setupTestStore(t, "PRAGMA max_page_count = 16")
	ctx := context.Background()

	var lastErr error
	for i := 0; i < 200 && lastErr == nil; i++ {
		_, lastErr = store.Exec(ctx, "INSERT INTO items (name, payload) VALUES (?, randomblob(4096))", fmt.Sprintf("item-%d", i))
	}
	require.Error(t, lastErr)
	assert.True(t, IsDiskFull(lastErr))
	assert.False(t, IsBusy(lastErr))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		busy       bool
		full       bool
		corruption bool
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true, false, false},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true, false, false},
		{"full", sqlite3.Error{Code: sqlite3.ErrFull}, false, true, false},
		{"wrapped full", fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrFull}), false, true, false},
		{"corrupt", sqlite3.Error{Code: sqlite3.ErrCorrupt}, false, false, true},
		{"not a database", &sqlite3.Error{Code: sqlite3.ErrNotADB}, false, false, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false, false, false},
		{"plain", errors.New("nope"), false, false, false},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.busy, IsBusy(tt.err))
			assert.Equal(t, tt.full, IsDiskFull(tt.err))
			assert.Equal(t, tt.corruption, IsCorruption(tt.err))
		})
	}
}

func TestRemoveDatabaseFiles(t *testing.T) {
	store := setupTestStore(t)
	paths := store.Paths()
	require.NoError(t, store.Close())

	require.NoError(t, RemoveSidecars(paths))
	assert.NoFileExists(t, paths.WAL)
	assert.NoFileExists(t, paths.SHM)
	assert.FileExists(t, paths.Main)

	require.NoError(t, RemoveDatabaseFiles(paths))
	assert.NoFileExists(t, paths.Main)
	require.NoError(t, RemoveDatabaseFiles(paths))
}

func TestPreserveFiles(t *testing.T) {
	store := setupTestStore(t)
	paths := store.Paths()
	require.NoError(t, store.Close())
	backupDir := filepath.Join(t.TempDir(), "backups")

	var dirs []string
	for i := 0; i < 3; i++ {
		dir, err := PreserveFiles(paths, backupDir, 2)
		require.NoError(t, err)
		require.NoError(t, VerifyPreserved(dir))
		dirs = append(dirs, dir)
	}

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NoDirExists(t, dirs[0])
	assert.DirExists(t, dirs[2])

	t.Run("tampering is detected", func(t *testing.T) {
		copied := filepath.Join(dirs[2], filepath.Base(paths.Main))
		require.NoError(t, os.WriteFile(copied, []byte("tampered"), 0600))
		err := VerifyPreserved(dirs[2])
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "digest mismatch"))
	})
}

func TestAvailableBytes(t *testing.T) {
	free, err := AvailableBytes(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)
}
