package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
)

// config stores opaque configuration documents in one collection.
type config struct {
	base
	collection model.Collection
}

func newConfig(b base, c model.Collection) config {
	return config{base: b, collection: c}
}

func (c config) get(ctx context.Context, id string) (*model.ConfigEntry, error) {
	return c.store.GetConfig(ctx, c.collection, id)
}

func (c config) put(ctx context.Context, id string, data model.Document) error {
	entry := &model.ConfigEntry{ID: id, Data: data}
	op := model.OpAdd
	current, err := c.get(ctx, id)
	switch {
	case err == nil:
		op = model.OpUpdate
		entry.UpdatedAt = c.stamp(current.UpdatedAt)
	case errors.Is(err, db.ErrNotFound):
		entry.UpdatedAt = c.now().UTC()
	default:
		return err
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", db.ErrConstraint, err)
	}
	return c.coord.Apply(ctx, model.Upsert(op, c.collection, entry.Document()))
}

func (c config) delete(ctx context.Context, id string) error {
	if _, err := c.get(ctx, id); err != nil {
		return err
	}
	return c.coord.Apply(ctx, model.Delete(c.collection, id))
}

// CardLayout is the arrangement of the dashboard cards.
type CardLayout struct {
	Order  []string `json:"order"`
	Hidden []string `json:"hidden,omitempty"`
}

// IsHidden reports whether the card is hidden.
func (l CardLayout) IsHidden(card string) bool {
	for _, h := range l.Hidden {
		if h == card {
			return true
		}
	}
	return false
}

// CardConfigService stores dashboard card configuration.
type CardConfigService struct {
	config
}

const layoutID = "layout"

// Layout reads the card layout. A missing layout is empty, not an error.
func (s *CardConfigService) Layout(ctx context.Context) (CardLayout, Result) {
	var l CardLayout
	entry, err := s.get(ctx, layoutID)
	if errors.Is(err, db.ErrNotFound) {
		return l, success("no card layout saved")
	}
	if err != nil {
		return l, s.failure("read card layout", err)
	}
	l.Order = stringList(entry.Data["order"])
	l.Hidden = stringList(entry.Data["hidden"])
	return l, success("%d card(s)", len(l.Order))
}

// SaveLayout replaces the card layout.
func (s *CardConfigService) SaveLayout(ctx context.Context, l CardLayout) Result {
	seen := make(map[string]bool, len(l.Order))
	for _, card := range l.Order {
		if card == "" || seen[card] {
			return s.failure("save card layout", fmt.Errorf("%w: duplicate or empty card %q", db.ErrConstraint, card))
		}
		seen[card] = true
	}
	data := model.Document{"order": anySlice(l.Order), "hidden": anySlice(l.Hidden)}
	if err := s.put(ctx, layoutID, data); err != nil {
		return s.failure("save card layout", err)
	}
	return success("card layout saved")
}

// Get reads a raw card configuration document.
func (s *CardConfigService) Get(ctx context.Context, id string) (model.Document, Result) {
	entry, err := s.get(ctx, id)
	if err != nil {
		return nil, s.failure(fmt.Sprintf("read card config %s", id), err)
	}
	return entry.Data, success("card config %s", id)
}

// Set replaces a raw card configuration document.
func (s *CardConfigService) Set(ctx context.Context, id string, data model.Document) Result {
	if err := s.put(ctx, id, data); err != nil {
		return s.failure(fmt.Sprintf("save card config %s", id), err)
	}
	return success("card config %s saved", id)
}

// Delete removes a card configuration document.
func (s *CardConfigService) Delete(ctx context.Context, id string) Result {
	if err := s.delete(ctx, id); err != nil {
		return s.failure(fmt.Sprintf("delete card config %s", id), err)
	}
	return success("card config %s deleted", id)
}

// SettingsService stores application settings, one document per key.
type SettingsService struct {
	config
}

// Get reads a setting. A missing key yields nil and a failed Result.
func (s *SettingsService) Get(ctx context.Context, key string) (any, Result) {
	entry, err := s.get(ctx, key)
	if err != nil {
		return nil, s.failure(fmt.Sprintf("read setting %s", key), err)
	}
	return entry.Data["value"], success("setting %s", key)
}

// Set stores a setting.
func (s *SettingsService) Set(ctx context.Context, key string, value any) Result {
	if err := s.put(ctx, key, model.Document{"value": value}); err != nil {
		return s.failure(fmt.Sprintf("save setting %s", key), err)
	}
	return success("setting %s saved", key)
}

// Delete removes a setting.
func (s *SettingsService) Delete(ctx context.Context, key string) Result {
	if err := s.delete(ctx, key); err != nil {
		return s.failure(fmt.Sprintf("delete setting %s", key), err)
	}
	return success("setting %s deleted", key)
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
