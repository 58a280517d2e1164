package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// CopyOutcome classifies a table copy.
type CopyOutcome int

const (
	// TotalFailure means the source table could not be read at all.
	TotalFailure CopyOutcome = iota
	// PartialFailure means some rows copied and then errors occurred.
	PartialFailure
	// Success means every row copied.
	Success
)

func (o CopyOutcome) String() string {
	switch o {
	case TotalFailure:
		return "total_failure"
	case PartialFailure:
		return "partial_failure"
	case Success:
		return "success"
	default:
		return fmt.Sprintf("CopyOutcome(%d)", int(o))
	}
}

// MarshalText renders the outcome name.
func (o CopyOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// maxRecordedFailures caps CopyResult.FailedRows.
const maxRecordedFailures = 1000

// RowFailure records a row that could not be copied.
type RowFailure struct {
	// Index is the zero-based position of the row in the source cursor.
	Index int64
	Err   error
}

// CopyResult reports what happened when copying one table.
type CopyResult struct {
	Outcome    CopyOutcome
	RowsCopied uint64
	// Err is the most recent error; nil on Success.
	Err error
	// FailedRows lists failing rows, up to a fixed cap. FailedRowCount
	// counts all of them.
	FailedRows     []RowFailure
	FailedRowCount int64
}

func totalFailure(err error) CopyResult {
	return CopyResult{Outcome: TotalFailure, Err: err}
}

// Column is one named value of a copied row.
type Column struct {
	Name  string
	Value interface{}
}

// Row is a copied row: its bound columns in destination order.
type Row []Column

// namedArgs converts the row into named statement arguments.
func (r Row) namedArgs() []interface{} {
	args := make([]interface{}, len(r))
	for i, c := range r {
		args[i] = sql.Named(c.Name, c.Value)
	}
	return args
}

// bindColumn maps a destination column to its position in the source
// cursor.
type bindColumn struct {
	name        string
	sourceIndex int
}

// bindColumns keeps the destination columns that the source also has, in
// destination order. Destination-only columns take their default.
func bindColumns(destination, source []string) ([]bindColumn, error) {
	sourceIndex := make(map[string]int, len(source))
	for i, name := range source {
		sourceIndex[name] = i
	}

	var bound []bindColumn
	for _, name := range destination {
		i, ok := sourceIndex[name]
		if !ok {
			continue
		}
		if !storage.IsSafeIdentifier(name) {
			return nil, fmt.Errorf("column %q is not a safe identifier", name)
		}
		bound = append(bound, bindColumn{name: name, sourceIndex: i})
	}
	if len(bound) == 0 {
		return nil, fmt.Errorf("no columns in common")
	}
	return bound, nil
}

func insertSQL(table storage.SafeIdentifier, columns []bindColumn) string {
	names := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		names[i] = `"` + c.name + `"`
		params[i] = ":" + c.name
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Quoted(), strings.Join(names, ", "), strings.Join(params, ", "))
}

// CopyTable copies every row of table from one database to another.
//
// The destination's columns drive the insert, since the destination has
// the current schema. Rows that fail to insert are skipped and recorded;
// a full disk stops the copy. The engine only reports what happened;
// deciding whether a failure is acceptable is up to the caller.
func CopyTable(ctx context.Context, token *WriterToken, table storage.SafeIdentifier, from, to *storage.SQLiteStore) CopyResult {
	if !token.Held() {
		return totalFailure(ErrTokenNotHeld)
	}
	if table.IsZero() {
		return totalFailure(errors.New("table identifier was not validated"))
	}

	destination, err := to.TableColumns(ctx, table)
	if err != nil {
		return totalFailure(err)
	}
	if len(destination) == 0 {
		return totalFailure(fmt.Errorf("table %s does not exist in the destination", table))
	}

	var result CopyResult
	var opened bool

	readErr := from.Read(ctx, func(rtx *storage.Transaction) error {
		rows, err := rtx.Query("SELECT * FROM " + table.Quoted())
		if err != nil {
			return err
		}
		defer rows.Close()

		source, err := rows.Columns()
		if err != nil {
			return err
		}
		columns, err := bindColumns(destination, source)
		if err != nil {
			return err
		}
		opened = true

		writeErr := to.Write(ctx, func(wtx *storage.Transaction) error {
			stmt, err := wtx.Prepare(insertSQL(table, columns))
			if err != nil {
				return err
			}
			defer stmt.Close()

			copyRows(ctx, rows, stmt, columns, len(source), &result)
			return nil
		})
		if writeErr != nil {
			// Nothing survives a failed insert statement or commit. A full
			// disk may have rolled the transaction back already; keep that
			// as the cause.
			result.RowsCopied = 0
			if !storage.IsDiskFull(result.Err) {
				result.Err = writeErr
			}
		}
		return nil
	})

	if !opened {
		if readErr == nil {
			readErr = errors.New("source cursor was not opened")
		}
		return totalFailure(readErr)
	}
	if readErr != nil && result.Err == nil {
		result.Err = readErr
	}

	if result.Err == nil && result.FailedRowCount == 0 {
		result.Outcome = Success
	} else {
		result.Outcome = PartialFailure
	}
	return result
}

func copyRows(ctx context.Context, rows *sql.Rows, stmt *sql.Stmt, columns []bindColumn, width int, result *CopyResult) {
	values := make([]interface{}, width)
	dest := make([]interface{}, width)
	for i := range values {
		dest[i] = &values[i]
	}

	fail := func(index int64, err error) {
		result.Err = err
		result.FailedRowCount++
		if len(result.FailedRows) < maxRecordedFailures {
			result.FailedRows = append(result.FailedRows, RowFailure{Index: index, Err: err})
		}
	}

	var index int64
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			fail(index, err)
			index++
			continue
		}

		row := make(Row, len(columns))
		for i, c := range columns {
			row[i] = Column{Name: c.name, Value: values[c.sourceIndex]}
		}

		if _, err := stmt.ExecContext(ctx, row.namedArgs()...); err != nil {
			fail(index, err)
			if storage.IsDiskFull(err) {
				log.Warn().Err(err).Int64("row", index).Msg("Destination is full, stopping table copy")
				return
			}
		} else {
			result.RowsCopied++
		}
		index++
	}

	if err := rows.Err(); err != nil {
		// The cursor itself broke, typically on a damaged page.
		result.Err = err
		result.FailedRowCount++
	}
}
