package migrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
)

// openTestDB returns a fresh store handle in a temp directory.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	mgr, err := db.NewManager(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	t.Cleanup(func() { _ = mgr.CloseAll() })

	h, err := mgr.Acquire(context.Background(), "test")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	return h.DB()
}

// TestEnsure_CreatesRegistry tests that every registered table is created
func TestEnsure_CreatesRegistry(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	if err := Ensure(ctx, conn); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}

	for _, def := range Tables {
		p, err := TableExists(ctx, conn, def.Name)
		if err != nil {
			t.Fatalf("TableExists(%s) failed: %v", def.Name, err)
		}
		if p != Present {
			t.Errorf("table %s is %s, want present", def.Name, p)
		}
	}

	v, err := Version(ctx, conn)
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("Version() = %d, want %d", v, SchemaVersion)
	}
}

// TestEnsure_Idempotent tests that running Ensure twice is harmless
func TestEnsure_Idempotent(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	for i := 0; i < 2; i++ {
		if err := Ensure(ctx, conn); err != nil {
			t.Fatalf("Ensure() run %d failed: %v", i+1, err)
		}
	}
}

// TestEnsure_AdditiveEvolution populates a table under an older shape and
// checks the rows survive a newer shape that adds one optional column.
func TestEnsure_AdditiveEvolution(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	v1 := TableDef{
		Name: "gadgets",
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "name", Type: "TEXT", NotNull: true},
		},
	}
	if err := Ensure(ctx, conn, v1); err != nil {
		t.Fatalf("Ensure(v1) failed: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO gadgets (id, name) VALUES ('g1', 'hammer'), ('g2', 'saw')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	v2 := v1
	v2.Columns = append(append([]Column(nil), v1.Columns...),
		Column{Name: "color", Type: "TEXT"},
		Column{Name: "stock", Type: "INTEGER", NotNull: true, Default: "7"},
	)
	if err := Ensure(ctx, conn, v2); err != nil {
		t.Fatalf("Ensure(v2) failed: %v", err)
	}

	for _, col := range []string{"color", "stock"} {
		p, err := HasColumn(ctx, conn, "gadgets", col)
		if err != nil {
			t.Fatalf("HasColumn(%s) failed: %v", col, err)
		}
		if p != Present {
			t.Errorf("column %s is %s after Ensure(v2)", col, p)
		}
	}

	rows, err := conn.QueryContext(ctx, `SELECT id, name, color, stock FROM gadgets ORDER BY id`)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	defer rows.Close()

	want := map[string]string{"g1": "hammer", "g2": "saw"}
	n := 0
	for rows.Next() {
		var id, name string
		var color sql.NullString
		var stock int
		if err := rows.Scan(&id, &name, &color, &stock); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		n++
		if want[id] != name {
			t.Errorf("row %s name = %q, want %q", id, name, want[id])
		}
		if color.Valid {
			t.Errorf("row %s color = %q, want NULL", id, color.String)
		}
		if stock != 7 {
			t.Errorf("row %s stock = %d, want default 7", id, stock)
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows error: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d rows, want 2", n)
	}
}

// TestEnsure_RejectsMissingPrimaryKey tests that a primary key cannot be
// added to an existing table
func TestEnsure_RejectsMissingPrimaryKey(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	if _, err := conn.ExecContext(ctx, `CREATE TABLE odd (name TEXT)`); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	def := TableDef{
		Name: "odd",
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "name", Type: "TEXT"},
		},
	}
	if err := Ensure(ctx, conn, def); err == nil {
		t.Error("Ensure() succeeded, want error for missing primary key")
	}
}

// TestEnsureTable_SelfHeal tests recreating a single dropped table
func TestEnsureTable_SelfHeal(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	if err := Ensure(ctx, conn); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `DROP TABLE sync_operations`); err != nil {
		t.Fatalf("drop failed: %v", err)
	}

	p, err := TableExists(ctx, conn, TableSyncOperations)
	if err != nil {
		t.Fatalf("TableExists() failed: %v", err)
	}
	if p != Absent {
		t.Fatalf("sync_operations is %s after drop", p)
	}

	if err := EnsureTable(ctx, conn, TableSyncOperations); err != nil {
		t.Fatalf("EnsureTable() failed: %v", err)
	}
	p, err = TableExists(ctx, conn, TableSyncOperations)
	if err != nil {
		t.Fatalf("TableExists() failed: %v", err)
	}
	if p != Present {
		t.Errorf("sync_operations is %s after EnsureTable", p)
	}

	if err := EnsureTable(ctx, conn, "nope"); err == nil {
		t.Error("EnsureTable(unregistered) succeeded, want error")
	}
}

// TestColumns tests introspection output
func TestColumns(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	if err := Ensure(ctx, conn); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}

	cols, err := Columns(ctx, conn, TableItems)
	if err != nil {
		t.Fatalf("Columns() failed: %v", err)
	}
	def := MustLookup(TableItems)
	if len(cols) != len(def.Columns) {
		t.Errorf("got %d columns, want %d", len(cols), len(def.Columns))
	}
	if !cols["id"].PrimaryKey {
		t.Error("items.id is not reported as primary key")
	}
	if !cols["name"].NotNull {
		t.Error("items.name is not reported as NOT NULL")
	}

	missing, err := Columns(ctx, conn, "missing_table")
	if err != nil {
		t.Fatalf("Columns(missing) failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("Columns(missing) = %v, want empty", missing)
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"items", `"items"`},
		{`we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
