package backend

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tracker remembers whether the remote was last seen reachable.
// It starts online; failures flip it offline until a call succeeds.
type Tracker struct {
	mu        sync.RWMutex
	online    bool
	changedAt time.Time
	lastError string
	logger    zerolog.Logger
}

// NewTracker creates an online tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		online:    true,
		changedAt: time.Now(),
		logger:    logger.With().Str("component", "connectivity").Logger(),
	}
}

// Online reports the last known state.
func (t *Tracker) Online() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// Observe updates the state from the outcome of a remote call.
// Only unavailability flips the tracker offline; any other outcome,
// including a rejected write, proves the remote is reachable.
func (t *Tracker) Observe(err error) {
	if err != nil && IsUnavailable(err) {
		t.set(false, err.Error())
		return
	}
	t.set(true, "")
}

// Status returns the state, when it last changed and the last failure.
func (t *Tracker) Status() (online bool, since time.Time, lastError string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online, t.changedAt, t.lastError
}

func (t *Tracker) set(online bool, lastError string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lastError != "" {
		t.lastError = lastError
	}
	if t.online == online {
		return
	}
	t.online = online
	t.changedAt = time.Now()
	if online {
		t.logger.Info().Msg("Remote reachable again")
	} else {
		t.logger.Warn().Str("error", lastError).Msg("Remote unreachable, working offline")
	}
}
