package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"estatechat/internal/api"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.RequireBasicAuth(adminHandler.AddUserHandler))
	mux.HandleFunc("GET /admin/users", adminHandler.RequireBasicAuth(adminHandler.ListUsersHandler))
	mux.HandleFunc("POST /admin/users/{id}/token", adminHandler.RequireBasicAuth(adminHandler.IssueTokenHandler))
	mux.HandleFunc("GET /admin/presence", adminHandler.RequireBasicAuth(adminHandler.PresenceHandler))

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	slog.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
