package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"estatechat/internal/models"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Stream is the client end of the real-time channel.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens the websocket at baseURL's /api/ws, authenticated with token.
func Dial(ctx context.Context, baseURL, token string) (*Stream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}
	return &Stream{conn: conn}, nil
}

func (s *Stream) Announce(userID string) error {
	return s.write(models.ClientMessage{Type: models.ClientMessageTypeAnnounce, UserID: userID})
}

// SendMessage asks the server to push an already stored message.
func (s *Stream) SendMessage(msg models.Message, receiverID string) error {
	return s.write(models.ClientMessage{
		Type:           models.ClientMessageTypeSend,
		ConversationID: msg.ConversationID,
		ReceiverID:     receiverID,
		Data:           &msg,
	})
}

// Read blocks until the next server event. Only one goroutine may read.
func (s *Stream) Read() (models.ServerMessage, error) {
	var msg models.ServerMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return models.ServerMessage{}, err
	}
	return msg, nil
}

func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Stream) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}
