package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"estatechat/internal/auth"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

type Authenticator interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth       Authenticator
	hub        *Hub
	upgrader   *websocket.Upgrader
	baseCtx    context.Context
	pushBuffer int
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewServer returns the websocket endpoint. Connections are closed when ctx is done.
func NewServer(ctx context.Context, authenticator Authenticator, hub *Hub, pushBuffer int) *Server {
	return &Server{
		auth:       authenticator,
		hub:        hub,
		baseCtx:    ctx,
		pushBuffer: pushBuffer,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.GetUserID(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	go s.keepalive(ctx, conn)

	slog.Debug("websocket connected", "user_id", userID, "remote_addr", r.RemoteAddr)
	c := NewConnection(s.hub, conn, userID, s.pushBuffer)
	if err := c.Handle(ctx); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Debug("websocket closed", "user_id", userID, "error", err)
	}
}

func (s *Server) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
