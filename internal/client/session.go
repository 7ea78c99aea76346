package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"estatechat/internal/models"
	"estatechat/internal/reconcile"
)

// Session is a signed-in client: the HTTP API, one real-time stream and the
// local state both feed.
type Session struct {
	api    *Client
	stream *Stream
	state  *reconcile.Reconciler
	self   models.User
}

// Connect resolves the token's user, opens and announces the stream and
// loads the conversation list.
func Connect(ctx context.Context, baseURL, token string) (*Session, error) {
	api := New(baseURL, token)

	self, err := api.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	stream, err := Dial(ctx, baseURL, token)
	if err != nil {
		return nil, err
	}
	if err := stream.Announce(self.ID); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("failed to announce: %w", err)
	}

	s := &Session{
		api:    api,
		stream: stream,
		state:  reconcile.New(),
		self:   self,
	}
	if err := s.Refresh(ctx); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) Self() models.User {
	return s.self
}

func (s *Session) API() *Client {
	return s.api
}

func (s *Session) State() *reconcile.Reconciler {
	return s.state
}

// Refresh reloads the conversation list from the server.
func (s *Session) Refresh(ctx context.Context) error {
	views, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	s.state.SetSummaries(views)
	return nil
}

func (s *Session) Open(ctx context.Context, conversationID string) (models.ConversationView, error) {
	view, err := s.api.OpenConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationView{}, err
	}
	s.state.Open(view)
	return view, nil
}

// Start creates a conversation with receiverID and opens it.
func (s *Session) Start(ctx context.Context, receiverID string) (models.ConversationView, error) {
	view, err := s.api.CreateConversation(ctx, receiverID)
	if err != nil {
		return models.ConversationView{}, err
	}
	return s.Open(ctx, view.ID)
}

// Send stores text in the open conversation and then asks the server to
// push it to connected clients.
func (s *Session) Send(ctx context.Context, text string) (models.Message, error) {
	conversationID := s.state.OpenID()
	if conversationID == "" {
		return models.Message{}, fmt.Errorf("%w: no open conversation", models.ErrInvalidOperation)
	}

	msg, err := s.api.SendMessage(ctx, conversationID, text)
	if err != nil {
		return models.Message{}, err
	}
	s.state.Sent(msg)

	if err := s.stream.SendMessage(msg, s.counterpart(conversationID)); err != nil {
		return msg, fmt.Errorf("message stored but not pushed: %w", err)
	}
	return msg, nil
}

// Run reads server events until ctx is done or the stream fails. Every
// event is applied to the local state before handle sees it.
func (s *Session) Run(ctx context.Context, handle func(models.ServerMessage)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.stream.conn.Close()
	})
	defer stop()

	for {
		event, err := s.stream.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream closed: %w", err)
		}

		switch event.Type {
		case models.ServerMessageTypeMessage:
			if event.Message == nil {
				continue
			}
			effect := s.state.Receive(*event.Message)
			if effect.MarkSeen != "" {
				if err := s.api.MarkSeen(ctx, effect.MarkSeen); err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("failed to mark conversation seen", "conversation_id", effect.MarkSeen, "error", err)
				}
			}
		case models.ServerMessageTypeError:
			slog.Warn("server rejected event", "error", event.Error)
		}

		if handle != nil {
			handle(event)
		}
	}
}

func (s *Session) Close() error {
	return s.stream.Close()
}

func (s *Session) counterpart(conversationID string) string {
	for _, summary := range s.state.Summaries() {
		if summary.ID == conversationID {
			return summary.Counterpart.ID
		}
	}
	return ""
}
