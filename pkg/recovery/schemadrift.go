package recovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// SchemaDrift is the line difference between two schemas.
type SchemaDrift struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Equal reports whether the schemas matched.
func (d SchemaDrift) Equal() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Unified renders the drift as "-" and "+" prefixed lines.
func (d SchemaDrift) Unified() string {
	var b strings.Builder
	for _, line := range d.Removed {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, line := range d.Added {
		b.WriteString("+ ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// DiffSchemas compares two schemas line by line. Each line is one
// normalised CREATE statement, as produced by SQLiteStore.SchemaSQL.
func DiffSchemas(from, to string) SchemaDrift {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(from, to)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var drift SchemaDrift
	for _, diff := range diffs {
		for _, line := range strings.Split(strings.TrimRight(diff.Text, "\n"), "\n") {
			if line == "" {
				continue
			}
			switch diff.Type {
			case diffmatchpatch.DiffInsert:
				drift.Added = append(drift.Added, line)
			case diffmatchpatch.DiffDelete:
				drift.Removed = append(drift.Removed, line)
			}
		}
	}
	return drift
}

// CompareSchemas diffs the schema of from against that of to.
func CompareSchemas(ctx context.Context, from, to *storage.SQLiteStore) (SchemaDrift, error) {
	a, err := from.SchemaSQL(ctx)
	if err != nil {
		return SchemaDrift{}, fmt.Errorf("failed to read source schema: %w", err)
	}
	b, err := to.SchemaSQL(ctx)
	if err != nil {
		return SchemaDrift{}, fmt.Errorf("failed to read destination schema: %w", err)
	}
	return DiffSchemas(a, b), nil
}
