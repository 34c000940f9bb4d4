package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

// Result describes one recovery.
type Result struct {
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	// Snapshot is where the damaged file went; empty if there was none.
	Snapshot string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`

	// SnapshotError is set when the snapshot could not be read at all.
	SnapshotError string `json:"snapshot_error,omitempty" yaml:"snapshot_error,omitempty"`

	Restored []TableResult `json:"restored,omitempty" yaml:"restored,omitempty"`
	Skipped  []TableError  `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// TableResult counts the rows restored into one table.
type TableResult struct {
	Table migrate.Table `json:"table" yaml:"table"`
	Rows  int           `json:"rows" yaml:"rows"`

	// Dropped rows violated a constraint of the current schema.
	Dropped int `json:"dropped,omitempty" yaml:"dropped,omitempty"`
}

// TableError records a table that could not be restored.
type TableError struct {
	Table migrate.Table `json:"table" yaml:"table"`
	Error string        `json:"error" yaml:"error"`
}

// RestoredRows sums the restored rows of every table.
func (r Result) RestoredRows() int {
	n := 0
	for _, t := range r.Restored {
		n += t.Rows
	}
	return n
}

// restore copies every registry table present in the snapshot into dst.
// Failures are recorded in res, never returned.
func (m *Manager) restore(ctx context.Context, dst *sql.DB, snapshot string, res *Result) {
	src, err := m.mgr.OpenFile(ctx, snapshot, true)
	if err != nil {
		res.SnapshotError = err.Error()
		m.logger.Warn().Err(err).Str("snapshot", snapshot).Msg("Snapshot unreadable, starting empty")
		return
	}
	defer src.Close()

	var n int
	if err := src.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master").Scan(&n); err != nil {
		res.SnapshotError = db.Classify(err).Error()
		m.logger.Warn().Err(err).Str("snapshot", snapshot).Msg("Snapshot unreadable, starting empty")
		return
	}

	for _, def := range migrate.Tables {
		present, err := migrate.TableExists(ctx, src, def.Name)
		if err != nil {
			res.Skipped = append(res.Skipped, TableError{Table: def.Name, Error: err.Error()})
			continue
		}
		if present == migrate.Absent {
			continue
		}

		tr, err := copyTable(ctx, src, dst, def)
		if err != nil {
			m.logger.Warn().Err(err).Str("table", string(def.Name)).Msg("Table not restored")
			res.Skipped = append(res.Skipped, TableError{Table: def.Name, Error: err.Error()})
			continue
		}
		res.Restored = append(res.Restored, tr)
	}
}

// copyTable copies the rows of one table over the columns both schemas
// share, in a single transaction. Rows the current schema rejects are
// dropped; any other failure aborts the table.
func copyTable(ctx context.Context, src, dst *sql.DB, def migrate.TableDef) (TableResult, error) {
	tr := TableResult{Table: def.Name}

	have, err := migrate.Columns(ctx, src, def.Name)
	if err != nil {
		return tr, err
	}
	var cols []string
	for _, name := range def.ColumnNames() {
		if _, ok := have[name]; ok {
			cols = append(cols, migrate.Quote(name))
		}
	}
	if len(cols) == 0 {
		return tr, fmt.Errorf("no shared columns")
	}
	list := strings.Join(cols, ", ")
	table := migrate.Quote(string(def.Name))

	rows, err := src.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", list, table))
	if err != nil {
		return tr, fmt.Errorf("failed to read snapshot rows: %w", db.Classify(err))
	}
	defer rows.Close()

	tx, err := dst.BeginTx(ctx, nil)
	if err != nil {
		return tr, fmt.Errorf("failed to begin restore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table, list, strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")))
	if err != nil {
		return tr, fmt.Errorf("failed to prepare restore: %w", err)
	}
	defer stmt.Close()

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return tr, fmt.Errorf("failed to scan snapshot row: %w", db.Classify(err))
		}
		out, err := stmt.ExecContext(ctx, vals...)
		if err != nil {
			if errors.Is(db.Classify(err), db.ErrConstraint) {
				tr.Dropped++
				continue
			}
			return tr, fmt.Errorf("failed to restore row: %w", err)
		}
		if n, _ := out.RowsAffected(); n > 0 {
			tr.Rows++
		}
	}
	if err := rows.Err(); err != nil {
		return tr, fmt.Errorf("failed to read snapshot rows: %w", db.Classify(err))
	}
	if err := tx.Commit(); err != nil {
		return tr, fmt.Errorf("failed to commit restore: %w", err)
	}
	return tr, nil
}
