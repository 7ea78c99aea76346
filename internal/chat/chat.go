// Package chat implements conversations between two users and their read state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"estatechat/internal/content"
	"estatechat/internal/models"

	"github.com/google/uuid"
)

// Store is the durable side of conversations.
//
// AppendMessage and AddSeen must each apply as one atomic update against the
// stored conversation: seenBy is only ever merged, never overwritten from a
// snapshot read earlier.
type Store interface {
	CreateConversation(ctx context.Context, conv models.Conversation) error
	// GetConversation returns the conversation with its messages in order.
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	// AppendMessage stores msg, sets the last message text and adds the sender
	// to seenBy. It fails with models.ErrNotAuthorized when the sender is not a
	// participant of an existing conversation and with
	// models.ErrInvalidOperation for a message id already stored. A failed
	// append leaves no trace in the conversation. A backend without
	// multi-document transactions may show the message to a concurrent reader
	// just before the last message text catches up, never the other way round.
	AppendMessage(ctx context.Context, msg models.Message) (models.Conversation, error)
	// AddSeen adds userID to seenBy. It fails with models.ErrNotFound unless the
	// conversation exists and userID is one of its participants.
	AddSeen(ctx context.Context, conversationID, userID string) error
	GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error)
}

// Directory resolves user ids to public profiles.
type Directory interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

// AppendListener is told about every stored message.
type AppendListener interface {
	MessageAppended(conv models.Conversation, msg models.Message)
}

type Config struct {
	Store     Store
	Directory Directory
	// Listener is optional.
	Listener AppendListener
}

type Service struct {
	store     Store
	directory Directory
	listener  AppendListener
	now       func() time.Time
}

func NewService(cfg Config) *Service {
	return &Service{
		store:     cfg.Store,
		directory: cfg.Directory,
		listener:  cfg.Listener,
		now:       time.Now,
	}
}

// CreateConversation opens a conversation initiated by initiatorID.
// The initiator has implicitly seen it.
func (s *Service) CreateConversation(ctx context.Context, initiatorID, receiverID string) (models.ConversationView, error) {
	if receiverID == "" {
		return models.ConversationView{}, fmt.Errorf("%w: receiver id is required", models.ErrInvalidOperation)
	}
	if initiatorID == receiverID {
		return models.ConversationView{}, fmt.Errorf("%w: cannot create conversation with yourself", models.ErrInvalidOperation)
	}

	receiver, err := s.directory.GetUser(ctx, receiverID)
	if err != nil {
		return models.ConversationView{}, fmt.Errorf("receiver %s: %w", receiverID, err)
	}

	conv := models.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: []string{initiatorID, receiverID},
		SeenBy:         []string{initiatorID},
		Messages:       []models.Message{},
		CreatedAt:      s.now().UnixMilli(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return models.ConversationView{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	slog.Info("conversation created", "conversation_id", conv.ID, "user_id", initiatorID, "receiver_id", receiverID)

	return models.ConversationView{Conversation: conv, Receiver: receiver}, nil
}

// AppendMessage stores a new message from senderID.
func (s *Service) AppendMessage(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	if err := content.ValidateText(text); err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", models.ErrInvalidOperation, err)
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      s.now().UnixMilli(),
	}

	conv, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		// Unknown conversations look the same as foreign ones.
		if errors.Is(err, models.ErrNotFound) {
			err = models.ErrNotAuthorized
		}
		return models.Message{}, fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	if s.listener != nil {
		s.listener.MessageAppended(conv, msg)
	}

	return msg, nil
}

// MarkSeen adds userID to the conversation's seenBy set. It is idempotent.
func (s *Service) MarkSeen(ctx context.Context, conversationID, userID string) error {
	if err := s.store.AddSeen(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return nil
}

// OpenConversation marks the conversation seen by userID and returns it with messages.
func (s *Service) OpenConversation(ctx context.Context, conversationID, userID string) (models.ConversationView, error) {
	if err := s.MarkSeen(ctx, conversationID, userID); err != nil {
		return models.ConversationView{}, err
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationView{}, fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	for i := range conv.Messages {
		conv.Messages[i].HTML = content.Render(conv.Messages[i].Text)
	}

	return s.view(ctx, conv, userID), nil
}

// ReadConversation marks the conversation seen by userID and returns the
// snapshot taken before the update.
func (s *Service) ReadConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}

	if err := s.MarkSeen(ctx, conversationID, userID); err != nil {
		return models.Conversation{}, err
	}

	return conv, nil
}

// ListConversations returns all conversations of userID in creation order.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.ConversationView, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	views := make([]models.ConversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, s.view(ctx, c, userID))
	}
	return views, nil
}

// UnreadCount returns how many conversations userID has not seen.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	n := 0
	for _, c := range convs {
		if !c.SeenByUser(userID) {
			n++
		}
	}
	return n, nil
}

// Participants returns the two user ids of a conversation.
func (s *Service) Participants(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return conv.ParticipantIDs, nil
}

// GetMessage returns the stored copy of a message.
func (s *Service) GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error) {
	msg, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", messageID, err)
	}
	return msg, nil
}

func (s *Service) view(ctx context.Context, conv models.Conversation, userID string) models.ConversationView {
	if conv.Messages == nil {
		conv.Messages = []models.Message{}
	}

	v := models.ConversationView{
		Conversation: conv,
		Unread:       !conv.SeenByUser(userID),
	}

	otherID := conv.Counterpart(userID)
	if otherID == "" {
		return v
	}

	receiver, err := s.directory.GetUser(ctx, otherID)
	if err != nil {
		slog.Warn("counterpart profile unavailable", "conversation_id", conv.ID, "user_id", otherID, "error", err)
		receiver = models.User{ID: otherID}
	}
	v.Receiver = receiver
	return v
}
