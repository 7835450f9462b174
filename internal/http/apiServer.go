package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/hub"
	"chatsync/internal/storage"
	"chatsync/internal/ws"

	"github.com/go-chi/httprate"
)

const DefaultLoginRateLimit = 10

type APIServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

type APIConfig struct {
	Addr string
	// LoginRateLimit is the number of login attempts per minute and client IP.
	LoginRateLimit int
	Logger         *slog.Logger
}

// NewAPIServer serves the REST API and the event channel endpoint. Event
// connections are closed once ctx is done.
func NewAPIServer(ctx context.Context, authService *auth.AuthService, h *hub.Hub, store *storage.BboltStorage, cfg APIConfig) *APIServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoginRateLimit <= 0 {
		cfg.LoginRateLimit = DefaultLoginRateLimit
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	events := ws.NewServer(ctx, authService, h, cfg.Logger)
	apiHandlers := api.New(authService, store, h, cfg.Logger)

	limitLogin := httprate.Limit(
		cfg.LoginRateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too many login attempts", http.StatusTooManyRequests)
		}),
	)

	mux := http.NewServeMux()

	mux.Handle("POST /api/login", limitLogin(http.HandlerFunc(apiHandlers.LoginHandler)))
	mux.HandleFunc("POST /api/logoff", apiHandlers.LogoffHandler)
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations", apiHandlers.RequireAuth(apiHandlers.CreateConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.CreateMessageHandler))
	mux.HandleFunc("POST /api/messages/read", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/events", events.HandleConnections)

	return &APIServer{
		logger: cfg.Logger,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.logger.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
