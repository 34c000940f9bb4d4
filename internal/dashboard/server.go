// Package dashboard provides a local status server for the sync daemon.
//
// The server pushes drain reports, summary refreshes and recovery results
// to WebSocket subscribers, and answers plain HTTP status queries for tools
// that do not hold a socket open.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// MessageType names the payload carried by a Message.
type MessageType string

// Message types. Handler.Publish uses the daemon event kind as the type, so
// the first three match the daemon's event names.
const (
	MessageTypeSyncReport MessageType = "sync_report"
	MessageTypeSummary    MessageType = "summary"
	MessageTypeRecovery   MessageType = "recovery"
	MessageTypeStatus     MessageType = "status" // sent once on connect
)

// Message is one frame sent to subscribers.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	defaultAddr = "127.0.0.1:8787"

	// Frames queued per subscriber. A subscriber that falls further behind
	// is disconnected.
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Empty selects 127.0.0.1:8787.
	Addr   string
	Logger zerolog.Logger
}

// DefaultConfig returns a loopback config with logging disabled.
func DefaultConfig() *Config {
	return &Config{Addr: defaultAddr, Logger: zerolog.Nop()}
}

// subscriber is one WebSocket connection and its outgoing frames.
type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// Server serves /ws, /api/status and /health.
type Server struct {
	addr   string
	logger zerolog.Logger
	status func(ctx context.Context) Status

	ln   net.Listener
	http *http.Server

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	wg sync.WaitGroup
}

// NewServer creates a server. A nil config selects DefaultConfig.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	return &Server{
		addr:   addr,
		logger: cfg.Logger.With().Str("component", "dashboard").Logger(),
		subs:   make(map[*subscriber]struct{}),
	}
}

// SetStatusSource installs the function answering /api/status and the
// frame sent on connect. It must be called before Start.
func (s *Server) SetStatusSource(fn func(ctx context.Context) Status) {
	s.status = fn
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveSubscriber)
	mux.HandleFunc("GET /api/status", s.serveStatus)
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.HandleFunc("GET /{$}", s.serveIndex)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Dashboard listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Dashboard server failed")
		}
	}()
	return nil
}

// Stop disconnects every subscriber and shuts the HTTP server down. Later
// Broadcast calls are ignored.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()

	for sub := range subs {
		close(sub.out)
		_ = sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Info().Msg("Dashboard stopped")
	return err
}

// Broadcast queues msg for every subscriber. It never blocks: a subscriber
// whose queue is full is dropped.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to encode frame")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for sub := range s.subs {
		select {
		case sub.out <- frame:
		default:
			s.logger.Warn().Str("type", string(msg.Type)).Msg("Subscriber too slow, disconnecting")
			s.dropLocked(sub)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// GetAddr returns the bound address once started, the configured one before.
func (s *Server) GetAddr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) serveSubscriber(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, out: make(chan []byte, subscriberBuffer)}
	if frame, err := json.Marshal(s.hello(r.Context())); err == nil {
		sub.out <- frame
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.mu.Unlock()
	s.logger.Debug().Int("clients", n).Msg("Subscriber connected")

	// The writer owns the connection's outgoing side; reads only detect
	// the peer going away.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.write(sub)
	}()
	ctx := conn.CloseRead(context.Background())
	<-ctx.Done()
	s.drop(sub)
}

// hello is the status frame a new subscriber starts from.
func (s *Server) hello(ctx context.Context) Message {
	msg := Message{Type: MessageTypeStatus, Timestamp: time.Now()}
	if s.status != nil {
		if data, err := json.Marshal(s.status(ctx)); err == nil {
			msg.Data = data
		}
	}
	return msg
}

// write sends queued frames until the queue is closed, then closes the
// connection.
func (s *Server) write(sub *subscriber) {
	defer sub.conn.Close(websocket.StatusNormalClosure, "")
	for frame := range sub.out {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := sub.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Write to subscriber failed")
			s.drop(sub)
			return
		}
	}
}

func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(sub)
}

// dropLocked removes sub once; s.mu must be held. Its writer closes the
// connection.
func (s *Server) dropLocked(sub *subscriber) {
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.out)
	s.logger.Debug().Int("clients", len(s.subs)).Msg("Subscriber disconnected")
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no status source"})
		return
	}
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "estoque sync dashboard\n\n"+
		"  events  ws://%[1]s/ws\n"+
		"  status  http://%[1]s/api/status\n"+
		"  health  http://%[1]s/health\n", r.Host)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
