package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/backend"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/recovery"
	estoquesync "github.com/Isaquewa/estoqueapp-sub000/internal/sync"
)

// Status is the snapshot served on /api/status.
type Status struct {
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`

	Online      bool      `json:"online" yaml:"online"`
	OnlineSince time.Time `json:"online_since" yaml:"online_since"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	Outbox      *outbox.Stats `json:"outbox,omitempty" yaml:"outbox,omitempty"`
	OutboxError string        `json:"outbox_error,omitempty" yaml:"outbox_error,omitempty"`

	Summary      *local.Summary      `json:"summary,omitempty" yaml:"summary,omitempty"`
	LastReport   *estoquesync.Report `json:"last_report,omitempty" yaml:"last_report,omitempty"`
	LastRecovery *recovery.Result    `json:"last_recovery,omitempty" yaml:"last_recovery,omitempty"`
}

// Handler turns daemon events into dashboard messages and keeps the latest
// of each for status queries.
type Handler struct {
	server  *Server
	queue   *outbox.Queue
	tracker *backend.Tracker
	logger  zerolog.Logger

	mu       sync.RWMutex
	summary  *local.Summary
	report   *estoquesync.Report
	recovery *recovery.Result
}

// NewHandler creates a handler connected to server and installs it as the
// server's status source. queue and tracker may be nil.
func NewHandler(server *Server, queue *outbox.Queue, tracker *backend.Tracker, logger zerolog.Logger) *Handler {
	h := &Handler{
		server:  server,
		queue:   queue,
		tracker: tracker,
		logger:  logger.With().Str("component", "dashboard").Logger(),
	}
	if server != nil {
		server.SetStatusSource(h.Status)
	}
	return h
}

// Publish records a daemon event and broadcasts it.
func (h *Handler) Publish(kind string, payload any) {
	h.mu.Lock()
	switch v := payload.(type) {
	case *local.Summary:
		h.summary = v
	case estoquesync.Report:
		h.report = &v
	case *estoquesync.Report:
		h.report = v
	case *recovery.Result:
		h.recovery = v
	case recovery.Result:
		h.recovery = &v
	default:
		h.logger.Debug().Str("kind", kind).Msg("Unrecognised payload, broadcasting as is")
	}
	h.mu.Unlock()

	if h.server == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("kind", kind).Msg("Failed to marshal event")
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageType(kind),
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Status builds the current status snapshot. Outbox errors are reported in
// the snapshot rather than failing it.
func (h *Handler) Status(ctx context.Context) Status {
	st := Status{GeneratedAt: time.Now().UTC(), Online: true}

	if h.tracker != nil {
		st.Online, st.OnlineSince, st.LastError = h.tracker.Status()
	}
	if h.queue != nil {
		stats, err := h.queue.Stats(ctx)
		if err != nil {
			st.OutboxError = err.Error()
		} else {
			st.Outbox = &stats
		}
	}

	h.mu.RLock()
	st.Summary = h.summary
	st.LastReport = h.report
	st.LastRecovery = h.recovery
	h.mu.RUnlock()
	return st
}
