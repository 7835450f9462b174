package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"chatsync/internal/auth"
	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	reads  map[string][]models.Message
}

func (p *fakePresence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) NotifyRead(readerID string, messages []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads[readerID] = append(p.reads[readerID], messages...)
}

type fixture struct {
	api      *API
	auth     *auth.AuthService
	store    *storage.BboltStorage
	presence *fakePresence
	mux      *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	as, err := auth.NewAuthService(t.Context(), auth.Config{BcryptCost: bcrypt.MinCost}, store)
	require.NoError(t, err)

	presence := &fakePresence{online: map[string]bool{}, reads: map[string][]models.Message{}}
	a := New(as, store, presence, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", a.LoginHandler)
	mux.HandleFunc("POST /api/logoff", a.LogoffHandler)
	mux.HandleFunc("GET /api/me", a.RequireAuth(a.MeHandler))
	mux.HandleFunc("GET /api/users", a.RequireAuth(a.UsersHandler))
	mux.HandleFunc("GET /api/conversations", a.RequireAuth(a.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations", a.RequireAuth(a.CreateConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", a.RequireAuth(a.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", a.RequireAuth(a.CreateMessageHandler))
	mux.HandleFunc("POST /api/messages/read", a.RequireAuth(a.MarkReadHandler))

	return &fixture{api: a, auth: as, store: store, presence: presence, mux: mux}
}

// login creates the user and returns its id and a bearer token.
func (f *fixture) login(t *testing.T, username string) (string, string) {
	t.Helper()
	user, err := f.auth.AddUser(username, "password123", "")
	require.NoError(t, err)
	resp, err := f.auth.Login(auth.LoginRequest{Username: username, Password: "password123"})
	require.NoError(t, err)
	return user.ID, resp.Token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	_, err := f.auth.AddUser("alice", "password123", "Alice")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/login", "", auth.LoginRequest{Username: "alice", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/login", "", auth.LoginRequest{Username: "alice", Password: "password123"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[auth.LoginResponse](t, rec)
	require.NotEmpty(t, resp.Token)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	require.Equal(t, resp.Token, cookie.Value)

	// Form logins work too.
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("username=alice&password=password123"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	form := httptest.NewRecorder()
	f.mux.ServeHTTP(form, req)
	require.Equal(t, http.StatusOK, form.Code)

	rec = f.do(t, http.MethodGet, "/api/me", resp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Alice", decode[models.User](t, rec).DisplayName)

	rec = f.do(t, http.MethodPost, "/api/logoff", resp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/me", resp.Token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/me", "/api/users", "/api/conversations"} {
		rec := f.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		rec = f.do(t, http.MethodGet, path, "bogus", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestUsers_ReportPresence(t *testing.T) {
	f := newFixture(t)
	aliceID, token := f.login(t, "alice")
	f.login(t, "bob")
	f.presence.online[aliceID] = true

	rec := f.do(t, http.MethodGet, "/api/users", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decode[[]models.User](t, rec)
	require.Len(t, users, 2)
	for _, u := range users {
		require.Equal(t, u.ID == aliceID, u.Presence.Online, u.UserName)
	}
}

func TestConversationsAndMessages(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceToken := f.login(t, "alice")
	bobID, bobToken := f.login(t, "bob")
	_, eveToken := f.login(t, "eve")

	rec := f.do(t, http.MethodGet, "/api/conversations", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]models.Conversation](t, rec))

	rec = f.do(t, http.MethodPost, "/api/conversations", aliceToken, models.CreateConversationRequest{OtherUserID: aliceID})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations", aliceToken, models.CreateConversationRequest{OtherUserID: "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations", aliceToken, models.CreateConversationRequest{OtherUserID: bobID})
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[models.Conversation](t, rec)
	require.ElementsMatch(t, []string{aliceID, bobID}, conv.Participants)

	path := "/api/conversations/" + conv.ID + "/messages"

	rec = f.do(t, http.MethodPost, path, aliceToken, models.Content{Text: "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, path, eveToken, models.Content{Text: "let me in"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, path, aliceToken, models.Content{Text: "hi <script>x</script>bob"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decode[models.Message](t, rec)
	require.Equal(t, aliceID, msg.SenderID)
	require.NotContains(t, msg.Content.Text, "<script>")

	rec = f.do(t, http.MethodGet, path, bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode[[]models.Message](t, rec)
	require.Len(t, messages, 1)
	require.Equal(t, msg.ID, messages[0].ID)

	rec = f.do(t, http.MethodGet, path, eveToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/conversations/nope/messages", aliceToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	convs := decode[[]models.Conversation](t, rec)
	require.Len(t, convs, 1)
	require.NotNil(t, convs[0].LastActivity)
	require.Equal(t, msg.ID, convs[0].LastActivity.ID)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceToken := f.login(t, "alice")
	bobID, bobToken := f.login(t, "bob")

	conv, err := f.store.CreateConversation(aliceID, models.CreateConversationRequest{OtherUserID: bobID})
	require.NoError(t, err)
	msg, err := f.store.CreateMessage(conv.ID, aliceID, models.Content{Text: "hello"})
	require.NoError(t, err)

	// Own messages never count as read.
	rec := f.do(t, http.MethodPost, "/api/messages/read", aliceToken, MarkReadRequest{MessageIDs: []string{msg.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[MarkReadResponse](t, rec).Messages)
	require.Empty(t, f.presence.reads)

	rec = f.do(t, http.MethodPost, "/api/messages/read", bobToken, MarkReadRequest{MessageIDs: []string{msg.ID, "unknown"}})
	require.Equal(t, http.StatusOK, rec.Code)
	changed := decode[MarkReadResponse](t, rec).Messages
	require.Len(t, changed, 1)
	require.Contains(t, changed[0].ReadBy, bobID)
	require.Len(t, f.presence.reads[bobID], 1)

	// Repeating the batch changes nothing and notifies nobody.
	rec = f.do(t, http.MethodPost, "/api/messages/read", bobToken, MarkReadRequest{MessageIDs: []string{msg.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[MarkReadResponse](t, rec).Messages)
	require.Len(t, f.presence.reads[bobID], 1)

	ids := make([]string, maxReadBatch+1)
	rec = f.do(t, http.MethodPost, "/api/messages/read", bobToken, MarkReadRequest{MessageIDs: ids})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
