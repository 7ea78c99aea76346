package ws

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"estatechat/internal/fanout"
	"estatechat/internal/models"
	"estatechat/internal/presence"
)

// MessageSource returns stored messages and who takes part in a conversation.
// Pushes are always built from the stored copy, never from what the client sent.
type MessageSource interface {
	GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

type Hub struct {
	registry  *presence.Registry[fanout.Handle]
	publisher *fanout.Publisher
	messages  MessageSource
}

func NewHub(registry *presence.Registry[fanout.Handle], publisher *fanout.Publisher, messages MessageSource) *Hub {
	return &Hub{
		registry:  registry,
		publisher: publisher,
		messages:  messages,
	}
}

// Announce makes c the live connection of its user, replacing any older one.
func (h *Hub) Announce(c *Connection) {
	h.registry.Register(c.userID, c)
	slog.Info("user announced", "user_id", c.userID, "online", h.registry.Len())
}

// SendMessage publishes an already stored message to live connections. The
// receiver is the sender's counterpart in the stored conversation; a receiver
// id sent by the client is ignored.
func (h *Hub) SendMessage(ctx context.Context, c *Connection, msg models.ClientMessage) error {
	if msg.Data == nil || msg.Data.ID == "" {
		return fmt.Errorf("%w: message id is required", models.ErrInvalidOperation)
	}
	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = msg.Data.ConversationID
	}

	stored, err := h.messages.GetMessage(ctx, conversationID, msg.Data.ID)
	if err != nil {
		return err
	}
	if stored.SenderID != c.userID {
		return fmt.Errorf("%w: message %s was sent by another user", models.ErrNotAuthorized, stored.ID)
	}

	participants, err := h.messages.Participants(ctx, stored.ConversationID)
	if err != nil {
		return err
	}
	receiverID := models.Conversation{ParticipantIDs: participants}.Counterpart(stored.SenderID)
	if receiverID == "" {
		return fmt.Errorf("%w: %s does not take part in conversation %s", models.ErrNotAuthorized, c.userID, stored.ConversationID)
	}
	if msg.ReceiverID != "" && msg.ReceiverID != receiverID {
		slog.Warn("ignoring receiver id that is not the counterpart",
			"conversation_id", stored.ConversationID,
			"user_id", c.userID,
			"claimed_receiver_id", msg.ReceiverID,
			"receiver_id", receiverID,
		)
	}

	report := h.publisher.Publish(stored, c, receiverID)
	slog.Debug("message published",
		"conversation_id", stored.ConversationID,
		"message_id", stored.ID,
		"user_id", c.userID,
		"delivered", report.Delivered,
		"dropped", report.Dropped,
	)
	return nil
}

// Disconnect removes c from presence if it is still the registered connection.
func (h *Hub) Disconnect(c *Connection) {
	if h.registry.Unregister(c) {
		slog.Info("user disconnected", "user_id", c.userID, "online", h.registry.Len())
	}
}

func (h *Hub) Online(userID string) bool {
	return h.registry.Online(userID)
}

// OnlineUsers returns the ids of users with a registered connection, sorted.
func (h *Hub) OnlineUsers() []string {
	entries := h.registry.Snapshot()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	slices.Sort(ids)
	return ids
}
