package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"estatechat/internal/models"
)

type UserAdmin interface {
	CreateUser(ctx context.Context, username, avatarURL string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

type TokenIssuer interface {
	Issue(userID string) (string, int64, error)
}

type PresenceView interface {
	OnlineUsers() []string
}

type CredentialsChecker interface {
	Check(username, password string) error
}

type AdminConfig struct {
	Users       UserAdmin
	Tokens      TokenIssuer
	Presence    PresenceView
	Credentials CredentialsChecker
	BaseURL     string
}

type AdminHandler struct {
	users       UserAdmin
	tokens      TokenIssuer
	presence    PresenceView
	credentials CredentialsChecker
	baseURL     string
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	return &AdminHandler{
		users:       cfg.Users,
		tokens:      cfg.Tokens,
		presence:    cfg.Presence,
		credentials: cfg.Credentials,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
	}
}

type AddUserRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Avatar   string `json:"avatar,omitempty" validate:"omitempty,url"`
}

type TokenResponse struct {
	Success     bool         `json:"success"`
	User        *models.User `json:"user,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	APIURL      string       `json:"apiUrl,omitempty"`
}

type PresenceResponse struct {
	Online []string `json:"online"`
}

// RequireBasicAuth guards admin routes with HTTP basic auth.
func (h *AdminHandler) RequireBasicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="estatechat admin"`)
			writeError(w, models.ErrUnauthenticated)
			return
		}
		if err := h.credentials.Check(username, password); err != nil {
			slog.Warn("admin login failed", "username", username, "remote_addr", r.RemoteAddr, "error", err)
			w.Header().Set("WWW-Authenticate", `Basic realm="estatechat admin"`)
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.Username, req.Avatar)
	if err != nil {
		writeError(w, err)
		return
	}

	h.writeToken(w, http.StatusCreated, user)
}

func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.users.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	h.writeToken(w, http.StatusOK, user)
}

func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PresenceResponse{Online: h.presence.OnlineUsers()})
}

func (h *AdminHandler) writeToken(w http.ResponseWriter, status int, user models.User) {
	token, expiry, err := h.tokens.Issue(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("access token issued", "user_id", user.ID)
	writeJSON(w, status, TokenResponse{
		Success:     true,
		User:        &user,
		Token:       token,
		TokenExpiry: expiry,
		APIURL:      h.baseURL,
	})
}
