package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

func TestDefaultClassification(t *testing.T) {
	c := DefaultClassification()
	require.NoError(t, c.Validate())
	assert.Equal(t, int64(len(c.BestEffort)+len(c.Flawless)), c.UnitCount())

	for _, name := range append(append(append([]string{}, c.BestEffort...), c.Flawless...), c.Skipped...) {
		assert.True(t, storage.IsSafeIdentifier(name), name)
	}

	t.Run("covers the built-in schema", func(t *testing.T) {
		store := openTestStore(t, filepath.Join(t.TempDir(), "schema.sqlite"))
		_, err := storage.NewMigrator(storage.DefaultMigrations()...).Migrate(context.Background(), store, true)
		require.NoError(t, err)

		tables, err := store.TableNames(context.Background())
		require.NoError(t, err)

		classified := make(map[string]bool)
		for _, name := range append(append(append([]string{}, c.BestEffort...), c.Flawless...), c.Skipped...) {
			classified[name] = true
		}
		for _, table := range tables {
			if table == storage.MigrationsTable || table == "sqlite_sequence" || storage.IsFTSShadowTable(table, tables) {
				continue
			}
			assert.True(t, classified[table], "table %s is not classified", table)
		}
	})
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Classification
		wantErr bool
	}{
		{
			name: "yaml",
			input: `best_effort: [thread, interaction]
flawless:
  - key_value
skipped: [job_record]
`,
			want: Classification{
				BestEffort: []string{"thread", "interaction"},
				Flawless:   []string{"key_value"},
				Skipped:    []string{"job_record"},
			},
		},
		{
			name:  "json",
			input: `{"best_effort": ["thread"], "flawless": []}`,
			want:  Classification{BestEffort: []string{"thread"}, Flawless: []string{}},
		},
		{
			name:    "missing flawless",
			input:   `best_effort: [thread]`,
			wantErr: true,
		},
		{
			name:    "unknown key",
			input:   `{"best_effort": [], "flawless": [], "maybe": ["x"]}`,
			wantErr: true,
		},
		{
			name:    "duplicate within a list",
			input:   `{"best_effort": ["thread", "thread"], "flawless": []}`,
			wantErr: true,
		},
		{
			name:    "table in two lists",
			input:   `{"best_effort": ["thread"], "flawless": ["thread"]}`,
			wantErr: true,
		},
		{
			name:    "not a list",
			input:   `{"best_effort": "thread", "flawless": []}`,
			wantErr: true,
		},
		{
			name:    "malformed",
			input:   `best_effort: [thread`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClassification([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadClassification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classification.yaml")
	require.NoError(t, os.WriteFile(path, []byte("best_effort: [notes]\nflawless: [settings]\n"), 0600))

	c, err := LoadClassification(path)
	require.NoError(t, err)
	assert.Equal(t, testClassification(), c)

	_, err = LoadClassification(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClassification_Identifiers(t *testing.T) {
	bestEffort, flawless := testClassification().identifiers()
	require.Len(t, bestEffort, 1)
	require.Len(t, flawless, 1)
	assert.Equal(t, "notes", bestEffort[0].String())
	assert.Equal(t, "settings", flawless[0].String())

	assert.Panics(t, func() {
		Classification{Flawless: []string{"sqlite_master"}}.identifiers()
	})
}
