// Package service is the domain API consumed by the user interface.
//
// Every operation reports its outcome as a Result (a success flag and a
// human-readable message) next to its data. Writes go through the
// sync.Coordinator, so a successful write is durable locally and queued for
// the remote store; reads come from the local store, which is authoritative
// for reads.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/backend"
	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/sync"
)

// Result is the outcome of a service call as shown to the user.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Err returns nil for a successful result and an error with the message
// otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return errors.New(r.Message)
}

func success(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

// Options configures the services.
type Options struct {
	// ExpiringWithin is the summary's look-ahead window.
	ExpiringWithin time.Duration

	// ListLimit caps the summary lists.
	ListLimit int

	Logger zerolog.Logger

	// Now is swapped in tests.
	Now func() time.Time
}

// Services bundles every domain service over one coordinator.
type Services struct {
	Products *ItemService
	Residues *ItemService
	Groups   *GroupService
	Cards    *CardConfigService
	Settings *SettingsService
	Summary  *SummaryService
}

// New wires the services. coord must write to store.
func New(coord *sync.Coordinator, store *local.Store, opts Options) *Services {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := base{coord: coord, store: store, now: opts.Now}
	return &Services{
		Products: newItemService(b.named(opts.Logger, "products"), model.DomainProduct),
		Residues: newItemService(b.named(opts.Logger, "residues"), model.DomainResidue),
		Groups:   &GroupService{base: b.named(opts.Logger, "groups")},
		Cards:    &CardConfigService{config: newConfig(b.named(opts.Logger, "cards"), model.CollectionDashboardConfig)},
		Settings: &SettingsService{config: newConfig(b.named(opts.Logger, "settings"), model.CollectionSettings)},
		Summary: &SummaryService{
			store: store,
			opts:  local.SummaryOptions{ExpiringWithin: opts.ExpiringWithin, ListLimit: opts.ListLimit},
			now:   opts.Now,
		},
	}
}

// base holds what every service needs.
type base struct {
	coord  *sync.Coordinator
	store  *local.Store
	now    func() time.Time
	logger zerolog.Logger
}

func (b base) named(logger zerolog.Logger, name string) base {
	b.logger = logger.With().Str("service", name).Logger()
	return b
}

// stamp returns a modification time strictly after prev, so that
// last-write-wins always favors the newer local write.
func (b base) stamp(prev time.Time) time.Time {
	now := b.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// failure turns an error into a user-facing result and logs it.
func (b base) failure(action string, err error) Result {
	var msg string
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		msg = fmt.Sprintf("%s: not found", action)
	case errors.Is(err, db.ErrConstraint):
		msg = fmt.Sprintf("%s: invalid data: %v", action, err)
	case errors.Is(err, db.ErrConnection), errors.Is(err, db.ErrIntegrity):
		msg = fmt.Sprintf("%s: the local store is unavailable, try again", action)
	default:
		msg = fmt.Sprintf("%s: %v", action, err)
	}

	if errors.Is(err, db.ErrConstraint) || errors.Is(err, db.ErrNotFound) {
		b.logger.Debug().Err(err).Msg(action)
	} else {
		b.logger.Error().Err(err).Msg(action)
	}
	return Result{Message: msg}
}
