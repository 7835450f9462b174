package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddUserHandler(t *testing.T) {
	f := newFixture(t)
	h := NewAdminHandler(f.auth, nil)

	post := func(body any) *httptest.ResponseRecorder {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		h.AddUserHandler(rec, httptest.NewRequest(http.MethodPost, "/admin/users", bytes.NewReader(b)))
		return rec
	}

	rec := httptest.NewRecorder()
	h.AddUserHandler(rec, httptest.NewRequest(http.MethodGet, "/admin/users", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = post(AddUserRequest{Password: "password123"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(AddUserRequest{Username: "alice", Password: "short"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, decode[AddUserResponse](t, rec).Success)

	rec = post(AddUserRequest{Username: "alice", Password: "password123", DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[AddUserResponse](t, rec)
	require.True(t, resp.Success)
	require.NotNil(t, resp.User)
	require.Equal(t, "Alice", resp.User.DisplayName)

	stored, err := f.store.GetUser(resp.User.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", stored.UserName)

	rec = post(AddUserRequest{Username: "alice", Password: "password123"})
	require.Equal(t, http.StatusConflict, rec.Code)
}
