package local

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

// Row is a table row keyed by column name.
type Row map[string]any

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertRow inserts or replaces the row with the given id.
// Only columns declared in the registry are written; other keys are ignored.
func UpsertRow(ctx context.Context, tx Execer, table migrate.Table, row Row) error {
	def, ok := migrate.Lookup(table)
	if !ok {
		return fmt.Errorf("table %q is not registered", table)
	}
	if id, _ := row["id"].(string); id == "" {
		return constraint(fmt.Errorf("%s row without id", table))
	}

	var cols, marks, updates []string
	var args []any
	for _, c := range def.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, migrate.Quote(c.Name))
		marks = append(marks, "?")
		args = append(args, v)
		if c.Name != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", migrate.Quote(c.Name), migrate.Quote(c.Name)))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		migrate.Quote(string(table)), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if len(updates) > 0 {
		query += " ON CONFLICT(id) DO UPDATE SET " + strings.Join(updates, ", ")
	} else {
		query += " ON CONFLICT(id) DO NOTHING"
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s row: %w", table, db.Classify(err))
	}
	return nil
}

// DeleteRow deletes the row with the given id. Deleting a missing row is
// not an error; the returned flag reports whether a row was removed.
func DeleteRow(ctx context.Context, tx Execer, table migrate.Table, id string) (bool, error) {
	if _, ok := migrate.Lookup(table); !ok {
		return false, fmt.Errorf("table %q is not registered", table)
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", migrate.Quote(string(table))), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s row: %w", table, db.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// GetRow reads the row with the given id.
func (s *Store) GetRow(ctx context.Context, table migrate.Table, id string) (Row, error) {
	def, ok := migrate.Lookup(table)
	if !ok {
		return nil, fmt.Errorf("table %q is not registered", table)
	}

	rows, err := s.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = ?", migrate.Quote(string(def.Name))), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("failed to read %s row: %w", table, err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s: %w", table, id, db.ErrNotFound)
	}
	return out[0], nil
}

// scanRows reads every row into a Row, converting []byte to string.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// nullable maps "" to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
