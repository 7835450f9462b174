package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/content"
	"chatsync/internal/models"
	"chatsync/internal/storage"
)

const maxReadBatch = 500

// Store is the persistence the handlers serve.
type Store interface {
	GetUser(id string) (models.User, error)
	ListUsers() ([]models.User, error)
	CreateConversation(creatorID string, req models.CreateConversationRequest) (models.Conversation, error)
	GetConversation(id string) (models.Conversation, error)
	ListConversations(userID string) ([]models.Conversation, error)
	CreateMessage(conversationID, senderID string, content models.Content) (models.Message, error)
	ListMessages(conversationID string) ([]models.Message, error)
	MarkMessagesRead(userID string, messageIDs []string) ([]models.Message, error)
}

// Presence is the part of the hub the handlers report to.
type Presence interface {
	IsOnline(userID string) bool
	NotifyRead(readerID string, messages []models.Message)
}

type API struct {
	auth   *auth.AuthService
	store  Store
	hub    Presence
	logger *slog.Logger
}

func New(auth *auth.AuthService, store Store, hub Presence, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{auth: auth, store: store, hub: hub, logger: logger}
}

type ctxKey struct{}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// RequireAuth rejects requests without a live token and passes the user id
// on in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, err := a.auth.Login(req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "Invalid username or password", http.StatusUnauthorized)
			return
		}
		a.logger.Error("login failed", "username", req.Username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	a.writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFromRequest(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(userIDFrom(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	user.Presence.Online = a.hub.IsOnline(user.ID)
	a.writeJSON(w, http.StatusOK, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers()
	if err != nil {
		a.writeError(w, err)
		return
	}
	for i := range users {
		users[i].Presence.Online = a.hub.IsOnline(users[i].ID)
	}
	a.writeJSON(w, http.StatusOK, users)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := a.store.ListConversations(userIDFrom(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	a.writeJSON(w, http.StatusOK, convs)
}

func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = content.Sanitize(req.Name)

	conv, err := a.store.CreateConversation(userIDFrom(r.Context()), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, conv)
}

// participantConversation loads the conversation of the request path and
// checks that the caller takes part in it.
func (a *API) participantConversation(w http.ResponseWriter, r *http.Request) (models.Conversation, bool) {
	conv, err := a.store.GetConversation(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return models.Conversation{}, false
	}
	if !conv.HasParticipant(userIDFrom(r.Context())) {
		a.writeError(w, storage.ErrNotParticipant)
		return models.Conversation{}, false
	}
	return conv, true
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.participantConversation(w, r)
	if !ok {
		return
	}
	messages, err := a.store.ListMessages(conv.ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, messages)
}

func (a *API) CreateMessageHandler(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.participantConversation(w, r)
	if !ok {
		return
	}

	var c models.Content
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	text, err := content.MessageText(c.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.Text = text
	if c.IsEmpty() {
		http.Error(w, content.ErrEmptyMessage.Error(), http.StatusBadRequest)
		return
	}

	msg, err := a.store.CreateMessage(conv.ID, userIDFrom(r.Context()), c)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, msg)
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type MarkReadResponse struct {
	Messages []models.Message `json:"messages"`
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.MessageIDs) > maxReadBatch {
		http.Error(w, "Too many message ids", http.StatusBadRequest)
		return
	}

	userID := userIDFrom(r.Context())
	changed, err := a.store.MarkMessagesRead(userID, req.MessageIDs)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if len(changed) > 0 {
		a.hub.NotifyRead(userID, changed)
	}
	if changed == nil {
		changed = []models.Message{}
	}
	a.writeJSON(w, http.StatusOK, MarkReadResponse{Messages: changed})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrNotParticipant):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, storage.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.logger.Error("request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
