// Package storage holds the durable backends for users, conversations,
// messages and push subscriptions.
package storage

import (
	"context"
	"fmt"
	"slices"

	"estatechat/internal/models"
)

// Storage is implemented by every backend.
type Storage interface {
	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByName(ctx context.Context, username string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	CreateConversation(ctx context.Context, conv models.Conversation) error
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	AppendMessage(ctx context.Context, msg models.Message) (models.Conversation, error)
	AddSeen(ctx context.Context, conversationID, userID string) error
	GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error)

	UpsertSubscription(ctx context.Context, sub models.PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error

	Close() error
}

const (
	DriverBbolt = "bbolt"
	DriverMongo = "mongo"
)

type Options struct {
	Driver        string
	DBFile        string
	MongoURI      string
	MongoDatabase string
}

// Open returns the backend selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Storage, error) {
	switch opts.Driver {
	case DriverBbolt, "":
		return NewBboltStorage(opts.DBFile)
	case DriverMongo:
		return NewMongoStorage(ctx, opts.MongoURI, opts.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func validateNewConversation(conv models.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("%w: conversation id is required", models.ErrInvalidOperation)
	}
	if len(conv.ParticipantIDs) != 2 || conv.ParticipantIDs[0] == conv.ParticipantIDs[1] ||
		conv.ParticipantIDs[0] == "" || conv.ParticipantIDs[1] == "" {
		return fmt.Errorf("%w: conversation needs two distinct participants", models.ErrInvalidOperation)
	}
	for _, id := range conv.SeenBy {
		if !slices.Contains(conv.ParticipantIDs, id) {
			return fmt.Errorf("%w: seenBy member %s is not a participant", models.ErrInvalidOperation, id)
		}
	}
	return nil
}

// union adds id to set unless it is already there.
func union(set []string, id string) ([]string, bool) {
	if slices.Contains(set, id) {
		return set, false
	}
	return append(set, id), true
}
