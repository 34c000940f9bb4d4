package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

func init() {
	Register(KindLocal, newLocalBackend)
}

// LocalRelational is the SQLite store seen through the document contract.
// As the local write path it applies mutations unconditionally (ApplyTx);
// used as a replica it honours last-write-wins like every other backend.
type LocalRelational struct {
	store *local.Store
	owned *db.Manager // closed by Close when the backend opened the file
}

// NewLocalRelational wraps an open store.
func NewLocalRelational(store *local.Store) *LocalRelational {
	return &LocalRelational{store: store}
}

func newLocalBackend(ctx context.Context, opts Options) (StorageBackend, error) {
	if opts.Store != nil {
		return NewLocalRelational(opts.Store), nil
	}
	if opts.URI == "" {
		return nil, fmt.Errorf("local backend needs a store or a file path")
	}

	mgr, err := db.NewManager(db.Config{Path: opts.URI, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	store := local.New(mgr, "replica", opts.Logger)
	conn, err := store.Conn(ctx)
	if err != nil {
		_ = mgr.CloseAll()
		return nil, err
	}
	if err := migrate.Ensure(ctx, conn); err != nil {
		_ = mgr.CloseAll()
		return nil, err
	}
	return &LocalRelational{store: store, owned: mgr}, nil
}

// Kind returns KindLocal.
func (l *LocalRelational) Kind() Kind { return KindLocal }

// Store returns the wrapped store.
func (l *LocalRelational) Store() *local.Store { return l.store }

// Ping acquires the handle of the store's worker.
func (l *LocalRelational) Ping(ctx context.Context) error {
	conn, err := l.store.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Upsert writes doc unless the stored copy is newer.
func (l *LocalRelational) Upsert(ctx context.Context, c model.Collection, doc model.Document) error {
	err := l.store.Write(ctx, func(tx *sql.Tx) error {
		stored, err := getTx(ctx, tx, c, doc.ID())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if stored != nil && newer(stored, doc) {
			return fmt.Errorf("%w: %s/%s", ErrStale, c, doc.ID())
		}
		return ApplyTx(ctx, tx, model.Upsert(model.OpUpdate, c, doc))
	})
	return l.wrap(err)
}

// Delete removes the document; a missing document is not an error.
func (l *LocalRelational) Delete(ctx context.Context, c model.Collection, id string) error {
	err := l.store.Write(ctx, func(tx *sql.Tx) error {
		return ApplyTx(ctx, tx, model.Delete(c, id))
	})
	return l.wrap(err)
}

// Get reads a document.
func (l *LocalRelational) Get(ctx context.Context, c model.Collection, id string) (model.Document, error) {
	conn, err := l.store.Conn(ctx)
	if err != nil {
		return nil, l.wrap(err)
	}
	doc, err := getTx(ctx, conn, c, id)
	return doc, l.wrap(err)
}

// Close releases the store when the backend opened it.
func (l *LocalRelational) Close(context.Context) error {
	if l.owned == nil {
		return nil
	}
	return l.owned.CloseAll()
}

func (l *LocalRelational) wrap(err error) error {
	if err != nil && errors.Is(err, db.ErrConnection) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// ApplyTx applies a mutation to the local tables inside tx, unconditionally.
// Invalid documents are rejected with db.ErrConstraint.
func ApplyTx(ctx context.Context, tx *sql.Tx, m model.Mutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", db.ErrConstraint, err)
	}

	if domain, ok := m.Collection.Domain(); ok {
		if m.Op == model.OpDelete {
			_, err := local.DeleteItemTx(ctx, tx, domain, m.DocumentID)
			return err
		}
		doc := m.Data
		if doc.String("domain") == "" {
			doc = doc.Clone()
			doc["domain"] = string(domain)
		}
		item, err := model.ItemFromDocument(doc)
		if err != nil {
			return fmt.Errorf("%w: %w", db.ErrConstraint, err)
		}
		if item.Domain != domain {
			return fmt.Errorf("%w: item %s is a %s, not in %s", db.ErrConstraint, item.ID, item.Domain, m.Collection)
		}
		return local.PutItemTx(ctx, tx, item)
	}

	switch m.Collection {
	case model.CollectionGroups:
		if m.Op == model.OpDelete {
			_, err := local.DeleteRow(ctx, tx, migrate.TableGroups, m.DocumentID)
			return err
		}
		g, err := model.GroupFromDocument(m.Data)
		if err != nil {
			return fmt.Errorf("%w: %w", db.ErrConstraint, err)
		}
		return local.PutGroupTx(ctx, tx, g)

	case model.CollectionHistory:
		if m.Op == model.OpDelete {
			_, err := local.DeleteRow(ctx, tx, migrate.TableHistory, m.DocumentID)
			return err
		}
		h, err := model.HistoryFromDocument(m.Data)
		if err != nil {
			return fmt.Errorf("%w: %w", db.ErrConstraint, err)
		}
		return local.AddHistoryTx(ctx, tx, h)

	case model.CollectionSettings, model.CollectionDashboardConfig:
		if m.Op == model.OpDelete {
			_, err := local.DeleteConfigTx(ctx, tx, m.Collection, m.DocumentID)
			return err
		}
		entry, err := model.ConfigFromDocument(m.Data)
		if err != nil {
			return fmt.Errorf("%w: %w", db.ErrConstraint, err)
		}
		return local.PutConfigTx(ctx, tx, m.Collection, entry)
	}
	return fmt.Errorf("%w: unknown collection %q", db.ErrConstraint, m.Collection)
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// getTx reads one document through q, using the registry columns of the
// collection's table.
func getTx(ctx context.Context, q rowQuerier, c model.Collection, id string) (model.Document, error) {
	table, clause, args := tableFor(c, id)
	if table == "" {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	def := migrate.MustLookup(table)

	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s", migrate.Quote(string(def.Name)), clause), args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, db.Classify(err)
		}
		return nil, fmt.Errorf("%s/%s: %w", c, id, ErrNotFound)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, db.Classify(err)
	}

	doc := make(model.Document, len(cols))
	for i, col := range cols {
		v := values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if v == nil {
			v = ""
		}
		doc[col] = v
	}

	if table == migrate.TableSettings || table == migrate.TableDashboardConfig {
		data, err := doc.Object("data")
		if err != nil {
			return nil, fmt.Errorf("%s/%s holds invalid data: %w", c, id, err)
		}
		doc["data"] = map[string]any(data)
	}
	return doc, nil
}

func tableFor(c model.Collection, id string) (migrate.Table, string, []any) {
	if domain, ok := c.Domain(); ok {
		return migrate.TableItems, "id = ? AND domain = ?", []any{id, string(domain)}
	}
	switch c {
	case model.CollectionGroups:
		return migrate.TableGroups, "id = ?", []any{id}
	case model.CollectionHistory:
		return migrate.TableHistory, "id = ?", []any{id}
	case model.CollectionSettings:
		return migrate.TableSettings, "id = ?", []any{id}
	case model.CollectionDashboardConfig:
		return migrate.TableDashboardConfig, "id = ?", []any{id}
	}
	return "", "", nil
}
