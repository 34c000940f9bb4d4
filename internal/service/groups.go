package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
)

// GroupService manages item groups.
type GroupService struct {
	base
}

// Create stores a new group. A missing id is generated.
func (s *GroupService) Create(ctx context.Context, g *model.Group) (*model.Group, Result) {
	created := *g
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	now := s.now().UTC()
	created.CreatedAt, created.UpdatedAt = now, now

	action := fmt.Sprintf("create group %q", created.Name)
	if err := created.Validate(); err != nil {
		return nil, s.failure(action, fmt.Errorf("%w: %w", db.ErrConstraint, err))
	}
	if _, err := s.store.GetGroup(ctx, created.ID); err == nil {
		return nil, s.failure(action, fmt.Errorf("%w: group %s already exists", db.ErrConstraint, created.ID))
	}

	if err := s.coord.Apply(ctx, model.Upsert(model.OpAdd, model.CollectionGroups, created.Document())); err != nil {
		return nil, s.failure(action, err)
	}
	return &created, success("group %q created", created.Name)
}

// Update replaces the editable fields of a group.
func (s *GroupService) Update(ctx context.Context, g *model.Group) (*model.Group, Result) {
	action := fmt.Sprintf("update group %s", g.ID)
	current, err := s.store.GetGroup(ctx, g.ID)
	if err != nil {
		return nil, s.failure(action, err)
	}

	updated := *g
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.stamp(current.UpdatedAt)
	if err := updated.Validate(); err != nil {
		return nil, s.failure(action, fmt.Errorf("%w: %w", db.ErrConstraint, err))
	}

	if err := s.coord.Apply(ctx, model.Upsert(model.OpUpdate, model.CollectionGroups, updated.Document())); err != nil {
		return nil, s.failure(action, err)
	}
	return &updated, success("group %q updated", updated.Name)
}

// Delete removes a group. Its items become ungrouped, locally and
// remotely, in the same write.
func (s *GroupService) Delete(ctx context.Context, id string) Result {
	action := fmt.Sprintf("delete group %s", id)
	current, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return s.failure(action, err)
	}
	members, err := s.store.ListItems(ctx, local.ItemFilter{GroupID: id})
	if err != nil {
		return s.failure(action, err)
	}

	muts := make([]model.Mutation, 0, len(members)+1)
	for _, item := range members {
		item.GroupID = ""
		item.UpdatedAt = s.stamp(item.UpdatedAt)
		muts = append(muts, model.Upsert(model.OpUpdate, item.Domain.Collection(), item.Document()))
	}
	muts = append(muts, model.Delete(model.CollectionGroups, id))

	if err := s.coord.Apply(ctx, muts...); err != nil {
		return s.failure(action, err)
	}
	if len(members) > 0 {
		return success("group %q deleted, %d item(s) ungrouped", current.Name, len(members))
	}
	return success("group %q deleted", current.Name)
}

// Get reads one group.
func (s *GroupService) Get(ctx context.Context, id string) (*model.Group, Result) {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, s.failure(fmt.Sprintf("get group %s", id), err)
	}
	return g, success("group %q", g.Name)
}

// List reads every group by name.
func (s *GroupService) List(ctx context.Context) ([]*model.Group, Result) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, s.failure("list groups", err)
	}
	return groups, success("%d group(s)", len(groups))
}
