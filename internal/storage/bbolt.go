package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estatechat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers             = []byte("users")
	bucketConversations     = []byte("conversations")
	bucketMessages          = []byte("messages")
	bucketUserConversations = []byte("user_conversations")
	bucketSubscriptions     = []byte("push_subscriptions")
)

// BboltStorage keeps everything in a single bbolt file. bbolt runs one write
// transaction at a time, so every Update below is an atomic unit.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketConversations,
			bucketMessages,
			bucketUserConversations,
			bucketSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// UpsertUser stores new or updated user profile.
func (s *BboltStorage) UpsertUser(_ context.Context, user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketUsers), &DBUser{
			ID:        user.ID,
			UserName:  user.UserName,
			AvatarURL: user.AvatarURL,
			CreatedAt: user.CreatedAt,
		})
	})
}

func (s *BboltStorage) GetUser(_ context.Context, id string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return dbUser.UnmarshalBinary(data)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.toModel(), nil
}

func (s *BboltStorage) GetUserByName(ctx context.Context, username string) (models.User, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return models.User{}, err
	}
	for _, u := range users {
		if u.UserName == username {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("user %s: %w", username, models.ErrNotFound)
}

// ListUsers returns all users stored in the database.
func (s *BboltStorage) ListUsers(_ context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}

// CreateConversation stores a new conversation and indexes it for both participants.
func (s *BboltStorage) CreateConversation(_ context.Context, conv models.Conversation) error {
	if err := validateNewConversation(conv); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if b.Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("%w: conversation %s already exists", models.ErrInvalidOperation, conv.ID)
		}

		dbConv := &DBConversation{
			ID:             conv.ID,
			ParticipantIDs: conv.ParticipantIDs,
			SeenBy:         conv.SeenBy,
			LastMessage:    conv.LastMessage,
			CreatedAt:      conv.CreatedAt,
		}
		if err := put(b, dbConv); err != nil {
			return fmt.Errorf("failed to put conversation: %w", err)
		}

		index := tx.Bucket(bucketUserConversations)
		for _, userID := range conv.ParticipantIDs {
			userBucket, err := index.CreateBucketIfNotExists([]byte(userID))
			if err != nil {
				return fmt.Errorf("failed to create user index bucket: %w", err)
			}
			seq, err := userBucket.NextSequence()
			if err != nil {
				return err
			}
			if err := userBucket.Put(seqKey(seq), []byte(conv.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func getConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &dbConv, nil
}

func listMessages(tx *bbolt.Tx, conversationID string) ([]models.Message, error) {
	messages := []models.Message{}
	b := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
	if b == nil {
		return messages, nil
	}
	err := b.ForEach(func(k, v []byte) error {
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		messages = append(messages, dbMsg.toModel())
		return nil
	})
	return messages, err
}

// GetConversation returns the conversation with all its messages in append order.
func (s *BboltStorage) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv = dbConv.toModel()
		conv.Messages, err = listMessages(tx, id)
		return err
	})
	return conv, err
}

// ListConversations returns conversations of userID in the order they were created.
func (s *BboltStorage) ListConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketUserConversations).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(_, convID []byte) error {
			dbConv, err := getConversation(tx, string(convID))
			if err != nil {
				return err
			}
			conv := dbConv.toModel()
			if conv.Messages, err = listMessages(tx, conv.ID); err != nil {
				return err
			}
			convs = append(convs, conv)
			return nil
		})
	})
	return convs, err
}

// AppendMessage stores the message under the next conversation sequence number,
// updates the last message text and adds the sender to seenBy in one transaction.
func (s *BboltStorage) AppendMessage(_ context.Context, msg models.Message) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if msg.ConversationID == "" {
			return errors.New("message missing conversationID")
		}

		dbConv, err := getConversation(tx, msg.ConversationID)
		if err != nil {
			return err
		}
		if !dbConv.toModel().HasParticipant(msg.SenderID) {
			return fmt.Errorf("user %s: %w", msg.SenderID, models.ErrNotAuthorized)
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		existing, err := findMessage(convBucket, msg.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: message %s already exists", models.ErrInvalidOperation, msg.ID)
		}

		dbConv.LastSeq++
		dbMsg := &DBMessage{
			Seq:            dbConv.LastSeq,
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Text:           msg.Text,
			CreatedAt:      msg.CreatedAt,
		}
		if err := put(convBucket, dbMsg); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		dbConv.LastMessage = msg.Text
		dbConv.SeenBy, _ = union(dbConv.SeenBy, msg.SenderID)
		if err := put(tx.Bucket(bucketConversations), dbConv); err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}

		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

// AddSeen merges userID into the conversation's seenBy set.
func (s *BboltStorage) AddSeen(_ context.Context, conversationID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if !dbConv.toModel().HasParticipant(userID) {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}

		var added bool
		dbConv.SeenBy, added = union(dbConv.SeenBy, userID)
		if !added {
			return nil
		}
		return put(tx.Bucket(bucketConversations), dbConv)
	})
}

// findMessage scans a conversation's messages from the newest one.
func findMessage(b *bbolt.Bucket, messageID string) (*DBMessage, error) {
	c := b.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return nil, err
		}
		if dbMsg.ID == messageID {
			return &dbMsg, nil
		}
	}
	return nil, nil
}

func (s *BboltStorage) GetMessage(_ context.Context, conversationID, messageID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if b == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		dbMsg, err := findMessage(b, messageID)
		if err != nil {
			return err
		}
		if dbMsg == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

func (s *BboltStorage) UpsertSubscription(_ context.Context, sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketSubscriptions).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return err
		}
		return put(b, &DBSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		})
	})
}

func (s *BboltStorage) ListSubscriptions(_ context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				P256dh:   dbSub.P256dh,
				Auth:     dbSub.Auth,
			})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeleteSubscription(_ context.Context, userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}
