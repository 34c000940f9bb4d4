// Package migrate is the schema manager of the local store.
//
// Ensure creates every registered table that is missing and then appends
// any declared column the live table lacks. Migrations are strictly
// additive: columns are never dropped, renamed or retyped, so rows written
// under an older schema stay valid and read the new columns as NULL or
// their default.
//
// Column presence is answered by explicit introspection (pragma_table_info)
// returning a typed Presence, never by provoking and catching an error.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is recorded in PRAGMA user_version after a successful Ensure.
// It is informational; Ensure always reconciles against the registry.
const SchemaVersion = 2

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Presence is the typed answer of an introspection call.
type Presence int

const (
	Absent Presence = iota
	Present
)

// String returns a human-readable representation of the presence.
func (p Presence) String() string {
	if p == Present {
		return "present"
	}
	return "absent"
}

// ColumnInfo is one row of pragma_table_info.
type ColumnInfo struct {
	Name       string
	Type       string
	NotNull    bool
	Default    sql.NullString
	PrimaryKey bool
}

// Ensure creates missing tables and adds missing columns.
//
// With no definitions it reconciles the whole registry. It is idempotent
// and safe to call on every start.
func Ensure(ctx context.Context, q Querier, defs ...TableDef) error {
	if len(defs) == 0 {
		defs = Tables
	}

	for _, def := range defs {
		if err := ensureTable(ctx, q, def); err != nil {
			return err
		}
	}

	if _, err := q.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// EnsureTable reconciles a single registered table.
func EnsureTable(ctx context.Context, q Querier, name Table) error {
	def, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("table %q is not registered", name)
	}
	return ensureTable(ctx, q, def)
}

func ensureTable(ctx context.Context, q Querier, def TableDef) error {
	if _, err := q.ExecContext(ctx, def.createStatement()); err != nil {
		return fmt.Errorf("failed to create table %s: %w", def.Name, err)
	}

	existing, err := Columns(ctx, q, def.Name)
	if err != nil {
		return err
	}

	for _, col := range def.Columns {
		if _, ok := existing[col.Name]; ok {
			continue
		}
		if col.PrimaryKey {
			return fmt.Errorf("table %s lacks primary key column %s; not an additive change", def.Name, col.Name)
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", Quote(string(def.Name)), col.definition(false))
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", def.Name, col.Name, err)
		}
	}

	for _, ix := range def.Indexes {
		if _, err := q.ExecContext(ctx, ix.statement(def.Name)); err != nil {
			return fmt.Errorf("failed to create index %s: %w", ix.Name, err)
		}
	}
	return nil
}

// Columns returns the live columns of a table keyed by name.
// A missing table yields an empty map.
func Columns(ctx context.Context, q Querier, name Table) (map[string]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?)`, string(name))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", name, err)
	}
	defer rows.Close()

	cols := make(map[string]ColumnInfo)
	for rows.Next() {
		var info ColumnInfo
		var notNull, pk int
		if err := rows.Scan(&info.Name, &info.Type, &notNull, &info.Default, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", name, err)
		}
		info.NotNull = notNull != 0
		info.PrimaryKey = pk != 0
		cols[info.Name] = info
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns of %s: %w", name, err)
	}
	return cols, nil
}

// HasColumn reports whether the live table has the column.
func HasColumn(ctx context.Context, q Querier, name Table, column string) (Presence, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, string(name), column).Scan(&count)
	if err != nil {
		return Absent, fmt.Errorf("failed to inspect %s.%s: %w", name, column, err)
	}
	if count > 0 {
		return Present, nil
	}
	return Absent, nil
}

// TableExists reports whether the table exists in the store.
func TableExists(ctx context.Context, q Querier, name Table) (Presence, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, string(name)).Scan(&count)
	if err != nil {
		return Absent, fmt.Errorf("failed to inspect table %s: %w", name, err)
	}
	if count > 0 {
		return Present, nil
	}
	return Absent, nil
}

// Version returns the recorded schema version (0 for a fresh file).
func Version(ctx context.Context, q Querier) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
