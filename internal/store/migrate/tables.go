package migrate

import (
	"fmt"
	"strings"
)

// Table identifies a local table. The set is closed: statements only ever
// use identifiers from this registry, never caller-supplied strings.
type Table string

const (
	TableGroups          Table = "groups"
	TableItems           Table = "items"
	TableHistory         Table = "history"
	TableSettings        Table = "settings"
	TableDashboardConfig Table = "dashboard_config"
	TableSyncOperations  Table = "sync_operations"
)

// Column declares one column of a table.
type Column struct {
	Name       string
	Type       string // TEXT, INTEGER, REAL
	PrimaryKey bool
	NotNull    bool
	Default    string // SQL literal, empty for none
	References string // e.g. "groups(id) ON DELETE SET NULL"
}

// Index declares a secondary index.
type Index struct {
	Name    string
	Columns string
	Where   string
}

// TableDef is the declared shape of one table.
type TableDef struct {
	Name    Table
	Columns []Column
	Checks  []string
	Indexes []Index
}

// Tables is the registry, in dependency order (referenced tables first).
// Restore copies tables in this order too.
var Tables = []TableDef{
	{
		Name: TableGroups,
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "name", Type: "TEXT", NotNull: true},
			{Name: "description", Type: "TEXT"},
			{Name: "icon", Type: "TEXT"},
			{Name: "color", Type: "TEXT"},
			{Name: "created_at", Type: "TEXT"},
			{Name: "updated_at", Type: "TEXT"},
		},
	},
	{
		Name: TableItems,
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "domain", Type: "TEXT", NotNull: true, Default: "'product'"},
			{Name: "name", Type: "TEXT", NotNull: true},
			{Name: "quantity", Type: "REAL", NotNull: true, Default: "0"},
			{Name: "unit", Type: "TEXT"},
			{Name: "min_quantity", Type: "REAL", NotNull: true, Default: "0"},
			{Name: "group_id", Type: "TEXT", References: "groups(id) ON DELETE SET NULL"},
			{Name: "entry_date", Type: "TEXT"},
			{Name: "expiry_date", Type: "TEXT"},
			{Name: "notes", Type: "TEXT"},
			{Name: "created_at", Type: "TEXT"},
			{Name: "updated_at", Type: "TEXT"},
		},
		Checks: []string{
			"domain IN ('product', 'residue')",
			"quantity >= 0",
		},
		Indexes: []Index{
			{Name: "idx_items_domain", Columns: "domain, name"},
			{Name: "idx_items_group", Columns: "group_id"},
			{Name: "idx_items_expiry", Columns: "expiry_date", Where: "expiry_date IS NOT NULL"},
		},
	},
	{
		Name: TableHistory,
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "item_id", Type: "TEXT", NotNull: true},
			{Name: "quantity", Type: "REAL", NotNull: true, Default: "0"},
			{Name: "date", Type: "TEXT"},
			{Name: "timestamp", Type: "TEXT", NotNull: true},
			{Name: "effect", Type: "TEXT", NotNull: true},
		},
		Indexes: []Index{
			{Name: "idx_history_item", Columns: "item_id, timestamp"},
		},
	},
	{
		Name: TableSettings,
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "data", Type: "TEXT", NotNull: true, Default: "'{}'"},
			{Name: "updated_at", Type: "TEXT"},
		},
	},
	{
		Name: TableDashboardConfig,
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "data", Type: "TEXT", NotNull: true, Default: "'{}'"},
			{Name: "updated_at", Type: "TEXT"},
		},
	},
	{
		Name: TableSyncOperations,
		Columns: []Column{
			{Name: "id", Type: "TEXT", PrimaryKey: true},
			{Name: "operation_type", Type: "TEXT", NotNull: true},
			{Name: "collection", Type: "TEXT", NotNull: true},
			{Name: "document_id", Type: "TEXT", NotNull: true},
			{Name: "payload", Type: "TEXT", NotNull: true, Default: "'{}'"},
			{Name: "timestamp", Type: "TEXT", NotNull: true},
			{Name: "synced", Type: "INTEGER", NotNull: true, Default: "0"},
			{Name: "attempts", Type: "INTEGER", NotNull: true, Default: "0"},
			{Name: "last_error", Type: "TEXT"},
			{Name: "dead_letter", Type: "INTEGER", NotNull: true, Default: "0"},
			{Name: "synced_at", Type: "TEXT"},
		},
		Checks: []string{
			"operation_type IN ('add', 'update', 'delete')",
		},
		Indexes: []Index{
			{Name: "idx_sync_pending", Columns: "synced, dead_letter, timestamp"},
			{Name: "idx_sync_key", Columns: "collection, document_id"},
		},
	},
}

// Lookup returns the registry definition of a table.
func Lookup(name Table) (TableDef, bool) {
	for _, def := range Tables {
		if def.Name == name {
			return def, true
		}
	}
	return TableDef{}, false
}

// MustLookup is Lookup for identifiers known at compile time.
func MustLookup(name Table) TableDef {
	def, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("migrate: table %q is not registered", name))
	}
	return def
}

// Column returns the declared column with the given name.
func (d TableDef) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the declared column names in order.
func (d TableDef) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Quote renders an identifier for SQL. Only registry names reach it.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// createStatement renders CREATE TABLE IF NOT EXISTS for the definition.
func (d TableDef) createStatement() string {
	var parts []string
	for _, c := range d.Columns {
		parts = append(parts, c.definition(true))
	}
	for _, check := range d.Checks {
		parts = append(parts, "CHECK ("+check+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		Quote(string(d.Name)), strings.Join(parts, ",\n\t"))
}

// definition renders the column clause. Added columns (create=false) may
// only be NOT NULL when they carry a default, as SQLite requires.
func (c Column) definition(create bool) string {
	var b strings.Builder
	b.WriteString(Quote(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if create && c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull && (create || c.Default != "") {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	if c.References != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String()
}

func (ix Index) statement(table Table) string {
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
		Quote(ix.Name), Quote(string(table)), ix.Columns)
	if ix.Where != "" {
		stmt += " WHERE " + ix.Where
	}
	return stmt
}
