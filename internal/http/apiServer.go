package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"estatechat/internal/api"
	"estatechat/internal/ratelimit"
	"estatechat/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, limiter *ratelimit.LimiterStore, addr string) *APIServer {
	limitSends := ratelimit.Middleware(limiter, func(r *http.Request) string {
		return api.UserIDFromContext(r.Context())
	})

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/conversations", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.CreateConversationHandler)))
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ListConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}", apiHandlers.RequireAuth(apiHandlers.GetConversationHandler))
	mux.HandleFunc("PUT /api/conversations/{id}/read", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.ReadConversationHandler)))
	mux.HandleFunc("POST /api/conversations/{id}/messages", api.RequireSameOrigin(apiHandlers.RequireAuth(
		limitSends(http.HandlerFunc(apiHandlers.SendMessageHandler)).ServeHTTP,
	)))
	mux.HandleFunc("GET /api/notifications", apiHandlers.RequireAuth(apiHandlers.NotificationsHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/users/{id}", apiHandlers.RequireAuth(apiHandlers.UserHandler))
	mux.HandleFunc("GET /api/push/key", apiHandlers.RequireAuth(apiHandlers.PushKeyHandler))
	mux.HandleFunc("POST /api/push/subscriptions", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SubscribeHandler)))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
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
