package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatsync/internal/api"
	"chatsync/internal/config"
	"chatsync/internal/models"

	"github.com/stretchr/testify/require"
)

func TestAddUser(t *testing.T) {
	var got api.AddUserRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/users", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Username == "taken" {
			http.Error(w, "exists", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.AddUserResponse{
			Success: true,
			User:    &models.User{ID: "u1", UserName: got.Username, DisplayName: got.DisplayName},
		})
	}))
	defer ts.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(ts.URL, "http://"), BaseURL: "http://chat.example"}

	require.NoError(t, AddUser("alice", "password123", "Alice", cfg))
	require.Equal(t, api.AddUserRequest{Username: "alice", Password: "password123", DisplayName: "Alice"}, got)

	err := AddUser("taken", "password123", "", cfg)
	require.ErrorContains(t, err, "409")
}
