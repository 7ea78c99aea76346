package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"estatechat/internal/auth"
	"estatechat/internal/models"
	"estatechat/internal/users"

	"github.com/stretchr/testify/require"
)

type mockUserAdmin struct {
	users []models.User
}

func (m *mockUserAdmin) CreateUser(_ context.Context, username, avatarURL string) (models.User, error) {
	for _, u := range m.users {
		if u.UserName == username {
			return models.User{}, users.ErrUserExists
		}
	}
	u := models.User{ID: "id-" + username, UserName: username, AvatarURL: avatarURL}
	m.users = append(m.users, u)
	return u, nil
}

func (m *mockUserAdmin) GetUser(_ context.Context, id string) (models.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, models.ErrNotFound
}

func (m *mockUserAdmin) ListUsers(context.Context) ([]models.User, error) {
	return m.users, nil
}

type mockIssuer struct{ fail bool }

func (m mockIssuer) Issue(userID string) (string, int64, error) {
	if m.fail {
		return "", 0, errors.New("signing failed")
	}
	return "token-for-" + userID, 42, nil
}

type mockPresence []string

func (m mockPresence) OnlineUsers() []string { return m }

func newAdminMux(t *testing.T, issuer mockIssuer) (*http.ServeMux, *mockUserAdmin) {
	t.Helper()
	creds, err := auth.NewAdminCredentials("admin", "s3cret", "")
	require.NoError(t, err)

	store := &mockUserAdmin{}
	h := NewAdminHandler(AdminConfig{
		Users:       store,
		Tokens:      issuer,
		Presence:    mockPresence{"id-alice"},
		Credentials: creds,
		BaseURL:     "http://localhost:8080/",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", h.RequireBasicAuth(h.AddUserHandler))
	mux.HandleFunc("GET /admin/users", h.RequireBasicAuth(h.ListUsersHandler))
	mux.HandleFunc("POST /admin/users/{id}/token", h.RequireBasicAuth(h.IssueTokenHandler))
	mux.HandleFunc("GET /admin/presence", h.RequireBasicAuth(h.PresenceHandler))
	return mux, store
}

func adminRequest(method, path string, body any, user, pass string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	return req
}

func TestAdmin_AddUser(t *testing.T) {
	mux, store := newAdminMux(t, mockIssuer{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users", AddUserRequest{Username: "alice", Avatar: "https://img/a.png"}, "admin", "s3cret"))
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.Equal(t, "alice", resp.User.UserName)
	require.Equal(t, "token-for-id-alice", resp.Token)
	require.Equal(t, int64(42), resp.TokenExpiry)
	require.Equal(t, "http://localhost:8080", resp.APIURL)
	require.Len(t, store.users, 1)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users", AddUserRequest{Username: "alice"}, "admin", "s3cret"))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users", AddUserRequest{Username: "bob", Avatar: "not a url"}, "admin", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users", AddUserRequest{}, "admin", "s3cret"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdmin_BasicAuth(t *testing.T) {
	mux, _ := newAdminMux(t, mockIssuer{})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/users", nil, "", ""))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/users", nil, "admin", "wrong"))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/users", nil, "admin", "s3cret"))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAdmin_IssueTokenAndPresence(t *testing.T) {
	mux, store := newAdminMux(t, mockIssuer{})
	store.users = append(store.users, models.User{ID: "id-alice", UserName: "alice"})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users/id-alice/token", nil, "admin", "s3cret"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users/missing/token", nil, "admin", "s3cret"))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodGet, "/admin/presence", nil, "admin", "s3cret"))
	require.Equal(t, http.StatusOK, rr.Code)
	var presence PresenceResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&presence))
	require.Equal(t, []string{"id-alice"}, presence.Online)
}

func TestAdmin_IssueFailureIsInternal(t *testing.T) {
	mux, store := newAdminMux(t, mockIssuer{fail: true})
	store.users = append(store.users, models.User{ID: "id-alice", UserName: "alice"})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users/id-alice/token", nil, "admin", "s3cret"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var resp models.APIResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, "internal error", resp.Message)
}
