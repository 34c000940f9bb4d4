package service

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
)

// ItemService manages the items of one domain. ProductService and
// ResidueService are its two bindings.
type ItemService struct {
	base
	domain model.Domain
}

// ProductService manages products.
type ProductService = ItemService

// ResidueService manages residues.
type ResidueService = ItemService

func newItemService(b base, domain model.Domain) *ItemService {
	return &ItemService{base: b, domain: domain}
}

// Domain returns the domain the service is bound to.
func (s *ItemService) Domain() model.Domain {
	return s.domain
}

// Create stores a new item. A missing id is generated.
func (s *ItemService) Create(ctx context.Context, item *model.Item) (*model.Item, Result) {
	action := fmt.Sprintf("create %s", s.domain)
	created := *item
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.Domain = s.domain
	now := s.now().UTC()
	created.CreatedAt, created.UpdatedAt = now, now
	created.SetDefaults(now)

	if err := created.Validate(); err != nil {
		return nil, s.failure(action, fmt.Errorf("%w: %w", db.ErrConstraint, err))
	}
	m := model.Upsert(model.OpAdd, s.domain.Collection(), created.Document())
	err := s.coord.ApplyFunc(ctx, func(tx *sql.Tx) ([]model.Mutation, error) {
		// Products and residues share one id space.
		exists, err := local.ItemExistsTx(ctx, tx, created.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: item %s already exists", db.ErrConstraint, created.ID)
		}
		return []model.Mutation{m}, nil
	})
	if err != nil {
		return nil, s.failure(action, err)
	}
	return &created, success("%s %q created", s.domain, created.Name)
}

// Update replaces the editable fields of an existing item.
func (s *ItemService) Update(ctx context.Context, item *model.Item) (*model.Item, Result) {
	action := fmt.Sprintf("update %s %s", s.domain, item.ID)
	current, err := s.store.GetItem(ctx, s.domain, item.ID)
	if err != nil {
		return nil, s.failure(action, err)
	}

	updated := *item
	updated.Domain = s.domain
	updated.CreatedAt = current.CreatedAt
	if updated.EntryDate == "" {
		updated.EntryDate = current.EntryDate
	}
	updated.UpdatedAt = s.stamp(current.UpdatedAt)

	if err := updated.Validate(); err != nil {
		return nil, s.failure(action, fmt.Errorf("%w: %w", db.ErrConstraint, err))
	}

	m := model.Upsert(model.OpUpdate, s.domain.Collection(), updated.Document())
	if err := s.coord.Apply(ctx, m); err != nil {
		return nil, s.failure(action, err)
	}
	return &updated, success("%s %q updated", s.domain, updated.Name)
}

// Delete removes an item. Its history is kept.
func (s *ItemService) Delete(ctx context.Context, id string) Result {
	action := fmt.Sprintf("delete %s %s", s.domain, id)
	current, err := s.store.GetItem(ctx, s.domain, id)
	if err != nil {
		return s.failure(action, err)
	}
	if err := s.coord.Apply(ctx, model.Delete(s.domain.Collection(), id)); err != nil {
		return s.failure(action, err)
	}
	return success("%s %q deleted", s.domain, current.Name)
}

// Get reads one item.
func (s *ItemService) Get(ctx context.Context, id string) (*model.Item, Result) {
	item, err := s.store.GetItem(ctx, s.domain, id)
	if err != nil {
		return nil, s.failure(fmt.Sprintf("get %s %s", s.domain, id), err)
	}
	return item, success("%s %q", s.domain, item.Name)
}

// List reads the items matching f. The domain of f is forced to the
// service's domain.
func (s *ItemService) List(ctx context.Context, f local.ItemFilter) ([]*model.Item, Result) {
	f.Domain = s.domain
	items, err := s.store.ListItems(ctx, f)
	if err != nil {
		return nil, s.failure(fmt.Sprintf("list %ss", s.domain), err)
	}
	return items, success("%d %s(s)", len(items), s.domain)
}

// AdjustQuantity moves stock by delta and records the movement in the
// history, both in one write. The stock is read inside that write, so
// concurrent adjustments of one item never lose an update. An empty effect
// is derived from the sign of delta.
func (s *ItemService) AdjustQuantity(ctx context.Context, id string, delta float64, effect model.Effect) (*model.Item, Result) {
	action := fmt.Sprintf("adjust %s %s", s.domain, id)
	if delta == 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
		return nil, s.failure(action, fmt.Errorf("%w: quantity change must be a non-zero number", db.ErrConstraint))
	}
	if effect == "" {
		effect = model.EffectEntry
		if delta < 0 {
			effect = model.EffectExit
		}
	}

	var item *model.Item
	err := s.coord.ApplyFunc(ctx, func(tx *sql.Tx) ([]model.Mutation, error) {
		var err error
		if item, err = local.GetItemTx(ctx, tx, s.domain, id); err != nil {
			return nil, err
		}
		if item.Quantity+delta < 0 {
			return nil, fmt.Errorf("%w: only %v %s in stock", db.ErrConstraint, item.Quantity, item.Unit)
		}

		item.Quantity += delta
		item.UpdatedAt = s.stamp(item.UpdatedAt)
		entry := &model.HistoryEntry{
			ID:        uuid.NewString(),
			ItemID:    item.ID,
			Quantity:  delta,
			Date:      item.UpdatedAt.Format(model.DateLayout),
			Timestamp: item.UpdatedAt,
			Effect:    effect,
		}
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", db.ErrConstraint, err)
		}
		return []model.Mutation{
			model.Upsert(model.OpUpdate, s.domain.Collection(), item.Document()),
			model.Upsert(model.OpAdd, model.CollectionHistory, entry.Document()),
		}, nil
	})
	if err != nil {
		return nil, s.failure(action, err)
	}
	return item, success("%s %q now at %v", s.domain, item.Name, item.Quantity)
}

// History lists the movements of an item, newest first.
func (s *ItemService) History(ctx context.Context, id string, limit int) ([]*model.HistoryEntry, Result) {
	entries, err := s.store.ListHistory(ctx, id, limit)
	if err != nil {
		return nil, s.failure(fmt.Sprintf("history of %s %s", s.domain, id), err)
	}
	return entries, success("%d movement(s)", len(entries))
}
