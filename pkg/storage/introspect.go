package storage

import (
	"context"
	"fmt"
	"strings"
)

// ftsShadowSuffixes are the names SQLite gives the backing tables of FTS4 and
// FTS5 virtual tables.
var ftsShadowSuffixes = []string{
	"_config", "_data", "_docsize", "_idx", "_content", "_segments", "_segdir", "_stat",
}

// TableNames returns the names of every table in the schema, including
// virtual tables and their shadow tables, sorted by name.
func (s *SQLiteStore) TableNames(ctx context.Context) ([]string, error) {
	rows, err := s.Query(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TableColumns returns the column names of table in declaration order. A
// table that does not exist has no columns.
func (s *SQLiteStore) TableColumns(ctx context.Context, table SafeIdentifier) ([]string, error) {
	rows, err := s.Query(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// TableExists reports whether a table (or virtual table) named table exists.
func (s *SQLiteStore) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.QueryRow(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %q: %w", table, err)
	}
	return n > 0, nil
}

// IsFTSShadowTable reports whether name is the backing table of one of the
// full-text tables in tables.
func IsFTSShadowTable(name string, tables []string) bool {
	existing := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		existing[t] = struct{}{}
	}
	for _, suffix := range ftsShadowSuffixes {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		if _, ok := existing[strings.TrimSuffix(name, suffix)]; ok {
			return true
		}
	}
	return false
}

// SchemaSQL returns the CREATE statements of every schema object, one per
// line, ordered by type and name. SQLite internal objects are left out.
func (s *SQLiteStore) SchemaSQL(ctx context.Context) (string, error) {
	rows, err := s.Query(ctx, `SELECT type, name, sql FROM sqlite_master
		WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
		ORDER BY type, name`)
	if err != nil {
		return "", fmt.Errorf("failed to read schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var typ, name, sql string
		if err := rows.Scan(&typ, &name, &sql); err != nil {
			return "", fmt.Errorf("failed to scan schema row: %w", err)
		}
		b.WriteString(strings.Join(strings.Fields(sql), " "))
		b.WriteString(";\n")
	}
	return b.String(), rows.Err()
}
