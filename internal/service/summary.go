package service

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
)

// SummaryService keeps the aggregate views the UI shows after a mutation.
type SummaryService struct {
	store *local.Store
	opts  local.SummaryOptions
	now   func() time.Time

	mu   stdsync.RWMutex
	last *local.Summary
}

// Refresh re-reads counts, low-stock and expiring lists. It is a plain
// read, not transactional with concurrent writes.
func (s *SummaryService) Refresh(ctx context.Context) (*local.Summary, Result) {
	opts := s.opts
	opts.Now = s.now()

	sum, err := s.store.Summary(ctx, opts)
	if err != nil {
		return nil, Result{Message: "refresh summary: " + err.Error()}
	}

	s.mu.Lock()
	s.last = sum
	s.mu.Unlock()
	return sum, success("%d product(s), %d residue(s), %d pending sync", sum.Products, sum.Residues, sum.PendingSync)
}

// Last returns the most recent summary, or nil before the first Refresh.
func (s *SummaryService) Last() *local.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// WithOwner returns a SummaryService reading through the owner's own
// handle, for use from another worker such as the scheduler.
func (s *SummaryService) WithOwner(owner string) *SummaryService {
	return &SummaryService{
		store: s.store.WithOwner(owner),
		opts:  s.opts,
		now:   s.now,
	}
}
