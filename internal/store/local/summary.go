package local

import (
	"context"
	"fmt"
	"time"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
)

// SummaryOptions tunes Summary.
type SummaryOptions struct {
	// Now is the reference time (time.Now() if zero).
	Now time.Time

	// ExpiringWithin is the look-ahead window for expiring items.
	ExpiringWithin time.Duration

	// ListLimit caps the low-stock and expiring lists (0 = no cap).
	ListLimit int
}

// Summary is the aggregate view the UI re-reads after a mutation.
type Summary struct {
	Products    int           `json:"products" yaml:"products"`
	Residues    int           `json:"residues" yaml:"residues"`
	Groups      int           `json:"groups" yaml:"groups"`
	LowStock    []*model.Item `json:"low_stock" yaml:"low_stock"`
	Expiring    []*model.Item `json:"expiring" yaml:"expiring"`
	PendingSync int           `json:"pending_sync" yaml:"pending_sync"`
	DeadLetters int           `json:"dead_letters" yaml:"dead_letters"`
	GeneratedAt time.Time     `json:"generated_at" yaml:"generated_at"`
}

// Summary reads the aggregate views. It is a plain read and is not
// transactional with concurrent writes.
func (s *Store) Summary(ctx context.Context, opts SummaryOptions) (*Summary, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	sum := &Summary{GeneratedAt: opts.Now}

	counts := []struct {
		dest  *int
		query string
	}{
		{&sum.Products, `SELECT COUNT(*) FROM items WHERE domain = 'product'`},
		{&sum.Residues, `SELECT COUNT(*) FROM items WHERE domain = 'residue'`},
		{&sum.Groups, `SELECT COUNT(*) FROM groups`},
		{&sum.PendingSync, `SELECT COUNT(*) FROM sync_operations WHERE synced = 0 AND dead_letter = 0`},
		{&sum.DeadLetters, `SELECT COUNT(*) FROM sync_operations WHERE synced = 0 AND dead_letter = 1`},
	}
	for _, c := range counts {
		if err := s.QueryRow(ctx, []any{c.dest}, c.query); err != nil {
			return nil, fmt.Errorf("failed to compute summary: %w", err)
		}
	}

	var err error
	if sum.LowStock, err = s.ListItems(ctx, ItemFilter{LowStock: true, Limit: opts.ListLimit}); err != nil {
		return nil, fmt.Errorf("failed to list low stock: %w", err)
	}
	if opts.ExpiringWithin > 0 {
		by := opts.Now.Add(opts.ExpiringWithin).Format(model.DateLayout)
		if sum.Expiring, err = s.ListItems(ctx, ItemFilter{ExpiringBy: by, Limit: opts.ListLimit}); err != nil {
			return nil, fmt.Errorf("failed to list expiring items: %w", err)
		}
	}
	return sum, nil
}
