package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatsync/internal/auth"
	"chatsync/internal/models"

	"github.com/stretchr/testify/require"
)

func TestLoginThenAuthorizedCalls(t *testing.T) {
	var gotAuth []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var req auth.LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "password123" {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(auth.LoginResponse{Token: "tok", UserID: "u1", TokenExpiry: 1})
	})
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]models.Conversation{{ID: "c1", Participants: []string{"u1", "u2"}}})
	})
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		var content models.Content
		require.NoError(t, json.NewDecoder(r.Body).Decode(&content))
		_ = json.NewEncoder(w).Encode(models.Message{ID: "m1", ConversationID: r.PathValue("id"), Content: content})
	})
	mux.HandleFunc("POST /api/messages/read", func(w http.ResponseWriter, r *http.Request) {
		var req MarkReadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"m1", "m2"}, req.MessageIDs)
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL)

	_, err := c.Login(t.Context(), "alice", "wrong")
	require.ErrorIs(t, err, ErrUnauthorized)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.Code)
	require.Equal(t, "Invalid credentials", statusErr.Message)

	resp, err := c.Login(t.Context(), "alice", "password123")
	require.NoError(t, err)
	require.Equal(t, "u1", resp.UserID)
	require.Equal(t, "tok", c.Token())

	convs, err := c.ListConversations(t.Context())
	require.NoError(t, err)
	require.Len(t, convs, 1)

	msg, err := c.CreateMessage(t.Context(), "c1", models.Content{Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "c1", msg.ConversationID)
	require.Equal(t, "hello", msg.Content.Text)

	require.NoError(t, c.MarkMessagesRead(t.Context(), []string{"m1", "m2"}))
	require.Equal(t, []string{"Bearer tok", "Bearer tok"}, gotAuth)
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := New(ts.URL, WithToken("t")).ListMessages(t.Context(), "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestEventsURL(t *testing.T) {
	for _, tc := range []struct {
		base string
		want string
		err  bool
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/api/events"},
		{base: "https://chat.example.com/", want: "wss://chat.example.com/api/events"},
		{base: "ftp://nope", err: true},
	} {
		t.Run(tc.base, func(t *testing.T) {
			got, err := New(tc.base).EventsURL()
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
