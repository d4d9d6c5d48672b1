// Package gateway exposes the runtime over HTTP: a websocket per session
// for the event stream and steering, plus a small REST surface for session
// lifecycle.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/reinholt/loom/internal/observability"
	"github.com/reinholt/loom/pkg/agent"
	"github.com/reinholt/loom/pkg/session"
	"github.com/reinholt/loom/pkg/steering"
	"github.com/rs/zerolog"
)

// Config holds gateway configuration.
type Config struct {
	Port         int
	SharedSecret string
	Manager      *session.Manager
	Loop         *agent.Loop
	Logger       zerolog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	port         int
	sharedSecret string
	manager      *session.Manager
	loop         *agent.Loop
	logger       zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("agent loop is required")
	}

	return &Server{
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		manager:      cfg.Manager,
		loop:         cfg.Loop,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Start begins serving. It does not block.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.routes(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("POST /sessions", s.withAuth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", s.withAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /sessions/{id}/abort", s.withAuth(s.handleAbortSession))
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Stop drains in-flight handlers and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sharedSecret != "" && r.Header.Get("X-Loom-Secret") != s.sharedSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.manager.Create()
	writeJSON(w, http.StatusCreated, snapshotInfo(sess.Snapshot()))
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.manager.List()
	infos := make([]SessionInfo, len(snaps))
	for i, snap := range snaps {
		infos[i] = snapshotInfo(snap)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	sess.Steering().Push(steering.Message{Type: steering.TypeAbort})
	if err := sess.Abort("operator abort"); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleWebSocket attaches a client to a session. The session id comes from
// the query string; without one a fresh session is created.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if s.sharedSecret != "" &&
		r.Header.Get("X-Loom-Secret") != s.sharedSecret &&
		r.URL.Query().Get("secret") != s.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var sess *session.Session
	if id := r.URL.Query().Get("session"); id != "" {
		var ok bool
		if sess, ok = s.manager.Get(id); !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	} else {
		sess = s.manager.Create()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	c := &client{id: gonanoid.Must(), conn: conn}
	s.logger.Info().
		Str("client_id", c.id).
		Str("session_id", sess.ID()).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := c.writeJSON(OutboundFrame{Type: FrameWelcome, SessionID: sess.ID()}); err != nil {
		s.logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to send welcome")
		c.close()
		return
	}

	go s.serveClient(c, sess)
}

// serveClient reads frames until the connection drops. One turn runs at a
// time; steering frames are accepted while a turn is in flight.
func (s *Server) serveClient(c *client, sess *session.Session) {
	connCtx, cancel := context.WithCancel(context.Background())
	var turnWG sync.WaitGroup

	defer func() {
		cancel()
		turnWG.Wait()
		c.close()
		s.logger.Info().Str("client_id", c.id).Msg("Client disconnected")
	}()

	turnRunning := false
	turnDone := make(chan struct{}, 1)

	for {
		select {
		case <-turnDone:
			turnRunning = false
		default:
		}

		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.sendError(c, "malformed frame: "+err.Error())
			continue
		}

		switch frame.Type {
		case FrameUserMessage:
			select {
			case <-turnDone:
				turnRunning = false
			default:
			}
			if turnRunning {
				s.sendError(c, "a turn is already running")
				continue
			}
			events, err := s.loop.Run(connCtx, sess, frame.Content)
			if err != nil {
				s.sendError(c, err.Error())
				continue
			}
			turnRunning = true
			turnWG.Add(1)
			s.inFlight.Add(1)
			go func() {
				defer turnWG.Done()
				defer s.inFlight.Done()
				s.forwardEvents(c, sess.ID(), events)
				turnDone <- struct{}{}
			}()

		case FrameSteer:
			sess.Steering().Push(steering.Message{Type: steering.TypeSteer, Payload: frame.Content})
		case FrameInterject:
			sess.Steering().Push(steering.Message{Type: steering.TypeInterject, Payload: frame.Content})
		case FrameAbort:
			sess.Steering().Push(steering.Message{Type: steering.TypeAbort, Payload: frame.Reason})
			reason := frame.Reason
			if reason == "" {
				reason = "client abort"
			}
			if err := sess.Abort(reason); err != nil {
				s.sendError(c, err.Error())
			}
		default:
			s.sendError(c, "unknown frame type: "+frame.Type)
		}
	}
}

func (s *Server) forwardEvents(c *client, sessionID string, events <-chan agent.Event) {
	for ev := range events {
		e := ev
		if err := c.writeJSON(OutboundFrame{Type: FrameEvent, SessionID: sessionID, Event: &e}); err != nil {
			s.logger.Warn().Err(err).Str("client_id", c.id).Msg("Failed to forward event, draining turn")
			for range events {
			}
			return
		}
	}
}

func (s *Server) sendError(c *client, msg string) {
	if err := c.writeJSON(OutboundFrame{Type: FrameError, Error: msg}); err != nil {
		s.logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to send error frame")
	}
}

func snapshotInfo(snap session.Snapshot) SessionInfo {
	return SessionInfo{
		ID:        snap.ID,
		State:     string(snap.State),
		Messages:  len(snap.Messages),
		Turns:     snap.Turns,
		CreatedAt: snap.CreatedAt.Format(time.RFC3339),
		TouchedAt: snap.TouchedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
