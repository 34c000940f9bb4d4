package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

const itemColumns = `id, domain, name, quantity, unit, min_quantity, group_id,
	entry_date, expiry_date, notes, created_at, updated_at`

// ItemFilter narrows ListItems. Zero fields do not filter.
type ItemFilter struct {
	Domain  model.Domain
	GroupID string

	// Search matches a case-insensitive substring of the name.
	Search string

	// LowStock keeps items at or below their own min_quantity.
	LowStock bool

	// ExpiringBy keeps items whose expiry date is on or before this date
	// (model.DateLayout).
	ExpiringBy string

	Limit int
}

// PutItemTx validates and upserts an item inside tx.
func PutItemTx(ctx context.Context, tx Execer, item *model.Item) error {
	if err := item.Validate(); err != nil {
		return constraint(err)
	}
	return UpsertRow(ctx, tx, migrate.TableItems, Row{
		"id":           item.ID,
		"domain":       string(item.Domain),
		"name":         item.Name,
		"quantity":     item.Quantity,
		"unit":         nullable(item.Unit),
		"min_quantity": item.MinQuantity,
		"group_id":     nullable(item.GroupID),
		"entry_date":   nullable(item.EntryDate),
		"expiry_date":  nullable(item.ExpiryDate),
		"notes":        nullable(item.Notes),
		"created_at":   model.FormatTime(item.CreatedAt),
		"updated_at":   model.FormatTime(item.UpdatedAt),
	})
}

// DeleteItemTx deletes an item of the given domain inside tx.
func DeleteItemTx(ctx context.Context, tx Execer, domain model.Domain, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ? AND domain = ?`, id, string(domain))
	if err != nil {
		return false, fmt.Errorf("failed to delete item %s: %w", id, db.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// PutItem upserts an item in its own transaction.
func (s *Store) PutItem(ctx context.Context, item *model.Item) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		return PutItemTx(ctx, tx, item)
	})
}

// DeleteItem deletes an item in its own transaction.
func (s *Store) DeleteItem(ctx context.Context, domain model.Domain, id string) (bool, error) {
	var deleted bool
	err := s.Write(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = DeleteItemTx(ctx, tx, domain, id)
		return err
	})
	return deleted, err
}

// GetItem reads one item. A missing item wraps db.ErrNotFound.
func (s *Store) GetItem(ctx context.Context, domain model.Domain, id string) (*model.Item, error) {
	rows, err := s.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ? AND domain = ?`, id, string(domain))
	if err != nil {
		return nil, err
	}
	item, err := firstItem(rows, domain, id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, s.fail(ctx, err)
	}
	return item, err
}

// GetItemTx reads one item inside tx.
func GetItemTx(ctx context.Context, tx *sql.Tx, domain model.Domain, id string) (*model.Item, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ? AND domain = ?`, id, string(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to read item %s: %w", id, db.Classify(err))
	}
	return firstItem(rows, domain, id)
}

// ItemExistsTx reports whether any domain holds an item with this id.
func ItemExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up item %s: %w", id, db.Classify(err))
	}
	return n > 0, nil
}

func firstItem(rows *sql.Rows, domain model.Domain, id string) (*model.Item, error) {
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s %s: %w", domain, id, db.ErrNotFound)
	}
	return items[0], nil
}

// ListItems returns the items matching f, ordered by name.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]*model.Item, error) {
	var where []string
	var args []any

	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, string(f.Domain))
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Search != "" {
		where = append(where, "name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	if f.LowStock {
		where = append(where, "min_quantity > 0 AND quantity <= min_quantity")
	}
	if f.ExpiringBy != "" {
		where = append(where, "expiry_date IS NOT NULL AND expiry_date <= ?")
		args = append(args, f.ExpiringBy)
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name COLLATE NOCASE, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return items, nil
}

func scanItems(rows *sql.Rows) ([]*model.Item, error) {
	var items []*model.Item
	for rows.Next() {
		var (
			item                                model.Item
			domain                              string
			unit, groupID, entry, expiry, notes sql.NullString
			createdAt, updatedAt                sql.NullString
		)
		if err := rows.Scan(&item.ID, &domain, &item.Name, &item.Quantity, &unit,
			&item.MinQuantity, &groupID, &entry, &expiry, &notes, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.Domain = model.Domain(domain)
		item.Unit = unit.String
		item.GroupID = groupID.String
		item.EntryDate = entry.String
		item.ExpiryDate = expiry.String
		item.Notes = notes.String
		// Rows written before the timestamp columns existed read as zero.
		item.CreatedAt, _ = model.ParseTime(createdAt.String)
		item.UpdatedAt, _ = model.ParseTime(updatedAt.String)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
