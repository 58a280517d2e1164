package recovery

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Tier is how strictly a table must be copied.
type Tier string

const (
	TierBestEffort Tier = "best_effort"
	TierFlawless   Tier = "flawless"
)

// TableReport is the copy result of one table.
type TableReport struct {
	Table          string        `json:"table"`
	Tier           Tier          `json:"tier"`
	Outcome        CopyOutcome   `json:"outcome"`
	RowsCopied     uint64        `json:"rows_copied"`
	FailedRowCount int64         `json:"failed_row_count"`
	FailedRows     []int64       `json:"failed_rows,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// PhaseReport is the duration and result of one phase.
type PhaseReport struct {
	Phase    Phase         `json:"phase"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report summarises a dump and restore run.
type Report struct {
	mu sync.Mutex

	RunID        string        `json:"run_id"`
	DatabasePath string        `json:"database_path"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Phases       []PhaseReport `json:"phases"`
	Tables       []TableReport `json:"tables"`
	Skipped      []string      `json:"skipped,omitempty"`
	SchemaDrift  SchemaDrift   `json:"schema_drift"`
	Error        string        `json:"error,omitempty"`
}

func (r *Report) addPhase(p PhaseReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Phases = append(r.Phases, p)
}

func (r *Report) addTable(t TableReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tables = append(r.Tables, t)
}

func (r *Report) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartedAt = time.Now()
}

func (r *Report) setSchemaDrift(d SchemaDrift) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SchemaDrift = d
}

func (r *Report) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = time.Now()
	if err != nil {
		r.Error = err.Error()
	}
}

// Copy returns a snapshot safe to read while the run continues.
func (r *Report) Copy() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Report{
		RunID:        r.RunID,
		DatabasePath: r.DatabasePath,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Phases:       append([]PhaseReport(nil), r.Phases...),
		Tables:       append([]TableReport(nil), r.Tables...),
		Skipped:      append([]string(nil), r.Skipped...),
		SchemaDrift:  r.SchemaDrift,
		Error:        r.Error,
	}
}

// RowsCopied totals the rows copied across tables.
func (r *Report) RowsCopied() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, t := range r.Tables {
		total += t.RowsCopied
	}
	return total
}

// Markdown renders the report for people.
func (r *Report) Markdown() string {
	c := r.Copy()
	var b strings.Builder

	fmt.Fprintf(&b, "# Database recovery `%s`\n\n", c.RunID)
	fmt.Fprintf(&b, "- Database: `%s`\n", c.DatabasePath)
	fmt.Fprintf(&b, "- Started: %s\n", c.StartedAt.Format(time.RFC3339))
	if !c.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- Duration: %s\n", c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond))
	}
	if c.Error != "" {
		fmt.Fprintf(&b, "- **Result: failed** (%s)\n", c.Error)
	} else if !c.FinishedAt.IsZero() {
		b.WriteString("- **Result: restored**\n")
	}

	if len(c.Tables) > 0 {
		b.WriteString("\n## Tables\n\n| Table | Tier | Outcome | Rows copied | Rows failed |\n|---|---|---|---:|---:|\n")
		for _, t := range c.Tables {
			fmt.Fprintf(&b, "| %s | %s | %s | %d | %d |\n", t.Table, t.Tier, t.Outcome, t.RowsCopied, t.FailedRowCount)
		}
	}

	if len(c.Skipped) > 0 {
		fmt.Fprintf(&b, "\nNot copied: %s\n", strings.Join(c.Skipped, ", "))
	}

	if len(c.Phases) > 0 {
		b.WriteString("\n## Phases\n\n| Phase | Duration | Error |\n|---|---:|---|\n")
		for _, p := range c.Phases {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", p.Phase, p.Duration.Round(time.Microsecond), p.Error)
		}
	}

	if !c.SchemaDrift.Equal() {
		b.WriteString("\n## Schema drift\n\n```diff\n")
		b.WriteString(c.SchemaDrift.Unified())
		b.WriteString("```\n")
	}

	return b.String()
}
