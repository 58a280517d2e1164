package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

func testMigrator() *storage.Migrator {
	return storage.NewMigrator(
		storage.Migration{
			ID: "create_notes",
			Up: []string{`CREATE TABLE IF NOT EXISTS notes (
				id INTEGER PRIMARY KEY,
				title TEXT NOT NULL UNIQUE,
				body BLOB
			)`},
		},
		storage.Migration{
			ID: "create_settings",
			Up: []string{`CREATE TABLE IF NOT EXISTS settings (
				key TEXT NOT NULL UNIQUE,
				value TEXT
			)`},
		},
		storage.Migration{
			ID:   "seed_settings",
			Kind: storage.DataMigration,
			Up:   []string{`INSERT OR IGNORE INTO settings (key, value) VALUES ('seeded', 'yes')`},
		},
	)
}

func testClassification() Classification {
	return Classification{
		BestEffort: []string{"notes"},
		Flawless:   []string{"settings"},
	}
}

func openTestStore(t *testing.T, path string, pragmas ...string) *storage.SQLiteStore {
	t.Helper()

	config := storage.DefaultConfig()
	config.DatabasePath = path
	config.Pragmas = pragmas

	store, err := storage.Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func openerWithPragmas(pragmas ...string) StoreOpener {
	return func(path string) (*storage.SQLiteStore, error) {
		config := storage.DefaultConfig()
		config.DatabasePath = path
		config.Pragmas = pragmas
		return storage.Open(config)
	}
}

func execAllT(t *testing.T, store *storage.SQLiteStore, statements ...string) {
	t.Helper()
	for _, statement := range statements {
		_, err := store.Exec(context.Background(), statement)
		require.NoError(t, err, statement)
	}
}

func insertNotes(t *testing.T, store *storage.SQLiteStore, n, bodySize int) {
	t.Helper()
	err := store.Write(context.Background(), func(tx *storage.Transaction) error {
		for i := 0; i < n; i++ {
			body := []byte(strings.Repeat("x", bodySize))
			if _, err := tx.Exec("INSERT INTO notes (id, title, body) VALUES (?, ?, ?)", i+1, fmt.Sprintf("note-%d", i), body); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func countRows(t *testing.T, store *storage.SQLiteStore, table string) int {
	t.Helper()
	var n int
	require.NoError(t, store.QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&n))
	return n
}

// newOldDatabase creates a fully migrated database with notes and settings
// rows, standing in for the corrupted database.
func newOldDatabase(t *testing.T, notes int) (*storage.SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.sqlite")
	store := openTestStore(t, path)

	_, err := testMigrator().Migrate(context.Background(), store, true)
	require.NoError(t, err)

	insertNotes(t, store, notes, 16)
	execAllT(t, store,
		`INSERT INTO settings (key, value) VALUES ('theme', 'dark')`,
		`INSERT INTO settings (key, value) VALUES ('locale', 'en')`,
	)
	return store, path
}

func acquireToken(t *testing.T, path string) *WriterToken {
	t.Helper()
	token, err := AcquireWriterToken(path)
	require.NoError(t, err)
	t.Cleanup(func() { token.Release() })
	return token
}

func recoveryLeftovers(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.recovery-*"))
	require.NoError(t, err)
	return matches
}
