package models

import (
	"errors"
	"slices"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrRateLimited      = errors.New("rate limit exceeded")

	// ErrDeliveryFailed marks a push that could not reach a connection.
	// It never leaves the fan-out component.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// User is the public profile of a marketplace user.
type User struct {
	ID        string `json:"id"`
	UserName  string `json:"username"`
	AvatarURL string `json:"avatar,omitempty"`
	CreatedAt int64  `json:"createdAt"` // Unix timestamp (milliseconds)
}

// Conversation is a two-party chat opened from a listing inquiry.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds"`
	SeenBy         []string  `json:"seenBy"`
	LastMessage    string    `json:"lastMessage"`
	Messages       []Message `json:"messages"`
	CreatedAt      int64     `json:"createdAt"` // Unix timestamp (milliseconds)
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

func (c Conversation) SeenByUser(userID string) bool {
	return slices.Contains(c.SeenBy, userID)
}

// Counterpart returns the other participant, or "" if userID does not take part.
func (c Conversation) Counterpart(userID string) string {
	if len(c.ParticipantIDs) != 2 || !c.HasParticipant(userID) {
		return ""
	}
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// ConversationView is a conversation as seen by one of its participants.
type ConversationView struct {
	Conversation
	Receiver User `json:"receiver"`
	Unread   bool `json:"unread"`
}

// Message represents a chat message. HTML is a rendered copy filled on reads and never stored.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	HTML           string `json:"html,omitempty"`
	CreatedAt      int64  `json:"createdAt"` // Unix timestamp (milliseconds)
}

// PushEnvelope is the real-time notification of a new message.
type PushEnvelope struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"createdAt"`
	FromSelf       bool   `json:"fromSelf"`
}

func NewPushEnvelope(msg Message, fromSelf bool) PushEnvelope {
	return PushEnvelope{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
		FromSelf:       fromSelf,
	}
}

// PushSubscription is a browser Web Push subscription of a user.
type PushSubscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// ClientMessage represents a message sent from the client to the server.
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	UserID         string            `json:"userId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	ReceiverID     string            `json:"receiverId,omitempty"`
	Data           *Message          `json:"data,omitempty"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Message *PushEnvelope     `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeAnnounce ClientMessageType = "announce"
	ClientMessageTypeSend     ClientMessageType = "sendMessage"
)

type ServerMessageType string

const (
	ServerMessageTypeMessage ServerMessageType = "message"
	ServerMessageTypeError   ServerMessageType = "error"
)
