package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"chatsync/internal/auth"

	"github.com/gorilla/websocket"
)

type tokenVerifier interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	ctx      context.Context
	auth     tokenVerifier
	hub      eventHub
	upgrader *websocket.Upgrader
	logger   *slog.Logger
}

// NewServer returns the websocket endpoint. Connections are torn down when
// ctx is done.
func NewServer(ctx context.Context, auth tokenVerifier, hub eventHub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctx:    ctx,
		auth:   auth,
		hub:    hub,
		logger: logger,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Clients authenticate with a token, not cookies alone
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.GetUserID(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading to websocket", "user_id", userID, "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.logger.Debug("event channel connected", "user_id", userID)
	if err := NewConnection(s.hub, conn, userID).Handle(s.ctx); err != nil {
		s.logger.Debug("event channel closed", "user_id", userID, "error", err)
	}
}
