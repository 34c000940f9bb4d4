package local

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

// PutGroupTx validates and upserts a group inside tx.
func PutGroupTx(ctx context.Context, tx Execer, g *model.Group) error {
	if err := g.Validate(); err != nil {
		return constraint(err)
	}
	return UpsertRow(ctx, tx, migrate.TableGroups, Row{
		"id":          g.ID,
		"name":        g.Name,
		"description": nullable(g.Description),
		"icon":        nullable(g.Icon),
		"color":       nullable(g.Color),
		"created_at":  model.FormatTime(g.CreatedAt),
		"updated_at":  model.FormatTime(g.UpdatedAt),
	})
}

// PutGroup upserts a group in its own transaction.
func (s *Store) PutGroup(ctx context.Context, g *model.Group) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		return PutGroupTx(ctx, tx, g)
	})
}

// DeleteGroup deletes a group; its items become ungrouped.
func (s *Store) DeleteGroup(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.Write(ctx, func(tx *sql.Tx) error {
		var err error
		deleted, err = DeleteRow(ctx, tx, migrate.TableGroups, id)
		return err
	})
	return deleted, err
}

// GetGroup reads one group.
func (s *Store) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	groups, err := s.queryGroups(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("group %s: %w", id, db.ErrNotFound)
	}
	return groups[0], nil
}

// ListGroups returns every group ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]*model.Group, error) {
	return s.queryGroups(ctx, `ORDER BY name COLLATE NOCASE, id`)
}

func (s *Store) queryGroups(ctx context.Context, clause string, args ...any) ([]*model.Group, error) {
	rows, err := s.Query(ctx,
		`SELECT id, name, description, icon, color, created_at, updated_at FROM groups `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		var g model.Group
		var desc, icon, color, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &desc, &icon, &color, &createdAt, &updatedAt); err != nil {
			return nil, s.fail(ctx, fmt.Errorf("failed to scan group: %w", err))
		}
		g.Description = desc.String
		g.Icon = icon.String
		g.Color = color.String
		g.CreatedAt, _ = model.ParseTime(createdAt.String)
		g.UpdatedAt, _ = model.ParseTime(updatedAt.String)
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, fmt.Errorf("error iterating groups: %w", err))
	}
	return groups, nil
}

// AddHistoryTx appends a history entry inside tx. Replaying the same entry
// is a no-op.
func AddHistoryTx(ctx context.Context, tx Execer, h *model.HistoryEntry) error {
	if err := h.Validate(); err != nil {
		return constraint(err)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO history (id, item_id, quantity, date, timestamp, effect) VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.ItemID, h.Quantity, nullable(h.Date), model.FormatTime(h.Timestamp), string(h.Effect))
	if err != nil {
		return fmt.Errorf("failed to add history entry: %w", db.Classify(err))
	}
	return nil
}

// ListHistory returns the entries of an item, newest first.
func (s *Store) ListHistory(ctx context.Context, itemID string, limit int) ([]*model.HistoryEntry, error) {
	query := `SELECT id, item_id, quantity, date, timestamp, effect FROM history
		WHERE item_id = ? ORDER BY timestamp DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.Query(ctx, query, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var date sql.NullString
		var ts, effect string
		if err := rows.Scan(&h.ID, &h.ItemID, &h.Quantity, &date, &ts, &effect); err != nil {
			return nil, s.fail(ctx, fmt.Errorf("failed to scan history entry: %w", err))
		}
		h.Date = date.String
		h.Effect = model.Effect(effect)
		h.Timestamp, _ = model.ParseTime(ts)
		out = append(out, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, fmt.Errorf("error iterating history: %w", err))
	}
	return out, nil
}

// configTable resolves the table of a configuration collection.
func configTable(c model.Collection) (migrate.Table, error) {
	switch c {
	case model.CollectionSettings:
		return migrate.TableSettings, nil
	case model.CollectionDashboardConfig:
		return migrate.TableDashboardConfig, nil
	}
	return "", fmt.Errorf("%s is not a configuration collection", c)
}

// PutConfigTx upserts a configuration entry of settings or dashboard_config.
func PutConfigTx(ctx context.Context, tx Execer, c model.Collection, entry *model.ConfigEntry) error {
	table, err := configTable(c)
	if err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return constraint(err)
	}
	data, err := entry.Data.Encode()
	if err != nil {
		return constraint(fmt.Errorf("config %s is not serializable: %w", entry.ID, err))
	}
	return UpsertRow(ctx, tx, table, Row{
		"id":         entry.ID,
		"data":       string(data),
		"updated_at": model.FormatTime(entry.UpdatedAt),
	})
}

// DeleteConfigTx deletes a configuration entry.
func DeleteConfigTx(ctx context.Context, tx Execer, c model.Collection, id string) (bool, error) {
	table, err := configTable(c)
	if err != nil {
		return false, err
	}
	return DeleteRow(ctx, tx, table, id)
}

// PutConfig upserts a configuration entry in its own transaction.
func (s *Store) PutConfig(ctx context.Context, c model.Collection, entry *model.ConfigEntry) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		return PutConfigTx(ctx, tx, c, entry)
	})
}

// GetConfig reads a configuration entry.
func (s *Store) GetConfig(ctx context.Context, c model.Collection, id string) (*model.ConfigEntry, error) {
	table, err := configTable(c)
	if err != nil {
		return nil, err
	}
	row, err := s.GetRow(ctx, table, id)
	if err != nil {
		return nil, err
	}

	entry := &model.ConfigEntry{ID: id}
	raw, _ := row["data"].(string)
	if raw == "" {
		raw = "{}"
	}
	if entry.Data, err = model.DecodeDocument([]byte(raw)); err != nil {
		return nil, fmt.Errorf("config %s/%s holds invalid data: %w", c, id, err)
	}
	if ts, ok := row["updated_at"].(string); ok {
		entry.UpdatedAt, _ = model.ParseTime(ts)
	}
	return entry, nil
}
