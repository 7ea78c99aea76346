package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"estatechat/internal/auth"
	"estatechat/internal/models"
	"estatechat/internal/notify"
	"estatechat/internal/users"

	"github.com/go-playground/validator/v10"
)

type ChatService interface {
	CreateConversation(ctx context.Context, initiatorID, receiverID string) (models.ConversationView, error)
	AppendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error)
	OpenConversation(ctx context.Context, conversationID, userID string) (models.ConversationView, error)
	ReadConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationView, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

type TokenVerifier interface {
	GetUserID(token string) (string, error)
	Logoff(token string) error
}

type PushService interface {
	Enabled() bool
	PublicKey() string
	Subscribe(ctx context.Context, sub models.PushSubscription) error
}

type Config struct {
	Auth  TokenVerifier
	Chat  ChatService
	Users UserDirectory
	Push  PushService
}

type API struct {
	auth  TokenVerifier
	chat  ChatService
	users UserDirectory
	push  PushService
}

func New(cfg Config) *API {
	return &API{
		auth:  cfg.Auth,
		chat:  cfg.Chat,
		users: cfg.Users,
		push:  cfg.Push,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type ctxKey int

const userIDKey ctxKey = iota

// UserIDFromContext returns the user authenticated by RequireAuth.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, models.ErrUnauthenticated)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// RequireSameOrigin rejects browser requests coming from another origin.
// Requests without an Origin header (non-browser clients) pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				writeJSON(w, http.StatusForbidden, models.APIResponse{Success: false, Message: "cross-origin request rejected"})
				return
			}
		}
		next(w, r)
	}
}

type CreateConversationRequest struct {
	ReceiverID string `json:"receiverId" validate:"required"`
}

type SendMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

type NotificationsResponse struct {
	Unread int `json:"unread"`
}

type PushKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := a.chat.CreateConversation(r.Context(), UserIDFromContext(r.Context()), req.ReceiverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	views, err := a.chat.ListConversations(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	view, err := a.chat.OpenConversation(r.Context(), r.PathValue("id"), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) ReadConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := a.chat.ReadConversation(r.Context(), r.PathValue("id"), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := a.chat.AppendMessage(r.Context(), r.PathValue("id"), UserIDFromContext(r.Context()), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.chat.UnreadCount(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NotificationsResponse{Unread: n})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.users.GetUser(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.users.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) UserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.users.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if !a.push.Enabled() {
		writeError(w, notify.ErrDisabled)
		return
	}
	writeJSON(w, http.StatusOK, PushKeyResponse{PublicKey: a.push.PublicKey()})
}

func (a *API) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := a.push.Subscribe(r.Context(), models.PushSubscription{
		UserID:   UserIDFromContext(r.Context()),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
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

	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", models.ErrInvalidOperation)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %s validation", models.ErrInvalidOperation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %w", models.ErrInvalidOperation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, users.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited), errors.Is(err, auth.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, notify.ErrDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code. Unclassified errors are logged and
// answered with a generic message.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}
