package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"touchline/internal/auth"

	"github.com/gorilla/websocket"
)

type tokenVerifier interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     tokenVerifier
	hub      *Hub
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer accepts socket upgrades for hub. An empty allowedOrigins accepts every origin.
func NewServer(verifier tokenVerifier, hub *Hub, allowedOrigins []string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		auth: verifier,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: slog.Default().With("component", "ws"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.GetUserID(auth.BearerToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.hub.store.GetUser(userID); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.ctx.Err() != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading to websocket", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn := NewConnection(s.hub, ws, userID)
	s.logger.Debug("connection opened", "user_id", userID, "conn_id", conn.connID)
	if err := conn.Handle(s.ctx); err != nil {
		s.logger.Debug("connection closed", "user_id", userID, "conn_id", conn.connID, "error", err)
	}
}

// Shutdown closes every open connection and waits for their handlers.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
