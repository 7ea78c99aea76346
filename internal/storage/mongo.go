package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estatechat/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const defaultMongoDatabase = "estatechat"

type mongoUser struct {
	ID        string `bson:"_id"`
	UserName  string `bson:"username"`
	AvatarURL string `bson:"avatar"`
	CreatedAt int64  `bson:"createdAt"`
}

type mongoConversation struct {
	ID             string   `bson:"_id"`
	ParticipantIDs []string `bson:"participantIds"`
	SeenBy         []string `bson:"seenBy"`
	LastMessage    string   `bson:"lastMessage"`
	LastSeq        int64    `bson:"lastSeq"`
	LastMessageSeq int64    `bson:"lastMessageSeq"`
	CreatedAt      int64    `bson:"createdAt"`
}

type mongoMessage struct {
	ID             string `bson:"_id"`
	ConversationID string `bson:"conversationId"`
	Seq            int64  `bson:"seq"`
	SenderID       string `bson:"senderId"`
	Text           string `bson:"text"`
	CreatedAt      int64  `bson:"createdAt"`
}

type mongoSubscription struct {
	UserID   string `bson:"userId"`
	Endpoint string `bson:"endpoint"`
	P256dh   string `bson:"p256dh"`
	Auth     string `bson:"auth"`
}

// MongoStorage keeps data in MongoDB. seenBy is only touched through
// $addToSet, which the server applies atomically per document.
type MongoStorage struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
	subscriptions *mongo.Collection
}

func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		database = defaultMongoDatabase
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &MongoStorage{
		client:        client,
		users:         db.Collection("users"),
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		subscriptions: db.Collection("push_subscriptions"),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStorage) createIndexes(ctx context.Context) error {
	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	if _, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participantIds", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create conversations index: %w", err)
	}

	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}

	if _, err := s.subscriptions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "endpoint", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create subscriptions index: %w", err)
	}
	return nil
}

func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStorage) UpsertUser(ctx context.Context, user models.User) error {
	_, err := s.users.ReplaceOne(ctx,
		bson.M{"_id": user.ID},
		mongoUser{ID: user.ID, UserName: user.UserName, AvatarURL: user.AvatarURL, CreatedAt: user.CreatedAt},
		options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStorage) findUser(ctx context.Context, filter bson.M, what string) (models.User, error) {
	var doc mongoUser
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, fmt.Errorf("user %s: %w", what, models.ErrNotFound)
		}
		return models.User{}, err
	}
	return models.User{ID: doc.ID, UserName: doc.UserName, AvatarURL: doc.AvatarURL, CreatedAt: doc.CreatedAt}, nil
}

func (s *MongoStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id}, id)
}

func (s *MongoStorage) GetUserByName(ctx context.Context, username string) (models.User, error) {
	return s.findUser(ctx, bson.M{"username": username}, username)
}

func (s *MongoStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	cursor, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoUser
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, models.User{ID: d.ID, UserName: d.UserName, AvatarURL: d.AvatarURL, CreatedAt: d.CreatedAt})
	}
	return users, nil
}

func (s *MongoStorage) CreateConversation(ctx context.Context, conv models.Conversation) error {
	if err := validateNewConversation(conv); err != nil {
		return err
	}
	seenBy := conv.SeenBy
	if seenBy == nil {
		seenBy = []string{}
	}
	_, err := s.conversations.InsertOne(ctx, mongoConversation{
		ID:             conv.ID,
		ParticipantIDs: conv.ParticipantIDs,
		SeenBy:         seenBy,
		LastMessage:    conv.LastMessage,
		CreatedAt:      conv.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: conversation %s already exists", models.ErrInvalidOperation, conv.ID)
	}
	return err
}

func (s *MongoStorage) listMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	cursor, err := s.messages.Find(ctx,
		bson.M{"conversationId": conversationID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoMessage
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, d.toModel())
	}
	return messages, nil
}

func (m mongoMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

func (c mongoConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:             c.ID,
		ParticipantIDs: c.ParticipantIDs,
		SeenBy:         c.SeenBy,
		LastMessage:    c.LastMessage,
		CreatedAt:      c.CreatedAt,
	}
}

func (s *MongoStorage) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var doc mongoConversation
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
		}
		return models.Conversation{}, err
	}

	conv := doc.toModel()
	var err error
	conv.Messages, err = s.listMessages(ctx, id)
	return conv, err
}

func (s *MongoStorage) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	cursor, err := s.conversations.Find(ctx,
		bson.M{"participantIds": userID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoConversation
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(docs))
	for _, d := range docs {
		conv := d.toModel()
		if conv.Messages, err = s.listMessages(ctx, conv.ID); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// AppendMessage writes in three steps so that a failure never leaves a last
// message text pointing at a message that does not exist:
//
//  1. reserve the next sequence number (only for a participant),
//  2. insert the message under it,
//  3. in one pipeline update, add the sender to seenBy and move the last
//     message text forward unless a later message already did.
//
// When step 3 fails the inserted message is removed again. A failed step 2
// leaves an unused sequence number, which only affects numbering, not order.
func (s *MongoStorage) AppendMessage(ctx context.Context, msg models.Message) (models.Conversation, error) {
	var reserved mongoConversation
	err := s.conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": msg.ConversationID, "participantIds": msg.SenderID},
		bson.M{"$inc": bson.M{"lastSeq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&reserved)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Conversation{}, fmt.Errorf("user %s: %w", msg.SenderID, models.ErrNotAuthorized)
		}
		return models.Conversation{}, err
	}
	seq := reserved.LastSeq

	if _, err := s.messages.InsertOne(ctx, mongoMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            seq,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
	}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.Conversation{}, fmt.Errorf("%w: message %s already exists", models.ErrInvalidOperation, msg.ID)
		}
		return models.Conversation{}, fmt.Errorf("failed to insert message: %w", err)
	}

	var doc mongoConversation
	err = s.conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": msg.ConversationID},
		appendPipeline(msg, seq),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if _, delErr := s.messages.DeleteOne(context.WithoutCancel(ctx), bson.M{"_id": msg.ID}); delErr != nil {
			return models.Conversation{}, errors.Join(fmt.Errorf("failed to update conversation: %w", err), delErr)
		}
		return models.Conversation{}, fmt.Errorf("failed to update conversation: %w", err)
	}

	return doc.toModel(), nil
}

// appendPipeline keeps seenBy ordered by first appearance and only lets the
// message with the highest sequence set the last message text.
func appendPipeline(msg models.Message, seq int64) mongo.Pipeline {
	seenBy := bson.M{"$ifNull": bson.A{"$seenBy", bson.A{}}}
	newer := bson.M{"$gt": bson.A{seq, bson.M{"$ifNull": bson.A{"$lastMessageSeq", 0}}}}
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"seenBy": bson.M{"$cond": bson.A{
				bson.M{"$in": bson.A{msg.SenderID, seenBy}},
				seenBy,
				bson.M{"$concatArrays": bson.A{seenBy, bson.A{msg.SenderID}}},
			}},
			"lastMessage":    bson.M{"$cond": bson.A{newer, bson.M{"$literal": msg.Text}, "$lastMessage"}},
			"lastMessageSeq": bson.M{"$max": bson.A{seq, bson.M{"$ifNull": bson.A{"$lastMessageSeq", 0}}}},
		}}},
	}
}

func (s *MongoStorage) AddSeen(ctx context.Context, conversationID, userID string) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID, "participantIds": userID},
		bson.M{"$addToSet": bson.M{"seenBy": userID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	return nil
}

func (s *MongoStorage) GetMessage(ctx context.Context, conversationID, messageID string) (models.Message, error) {
	var doc mongoMessage
	err := s.messages.FindOne(ctx, bson.M{"_id": messageID, "conversationId": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Message{}, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		return models.Message{}, err
	}
	return doc.toModel(), nil
}

func (s *MongoStorage) UpsertSubscription(ctx context.Context, sub models.PushSubscription) error {
	_, err := s.subscriptions.ReplaceOne(ctx,
		bson.M{"userId": sub.UserID, "endpoint": sub.Endpoint},
		mongoSubscription{UserID: sub.UserID, Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth},
		options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStorage) ListSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	cursor, err := s.subscriptions.Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoSubscription
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	subs := make([]models.PushSubscription, 0, len(docs))
	for _, d := range docs {
		subs = append(subs, models.PushSubscription{UserID: d.UserID, Endpoint: d.Endpoint, P256dh: d.P256dh, Auth: d.Auth})
	}
	return subs, nil
}

func (s *MongoStorage) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	_, err := s.subscriptions.DeleteOne(ctx, bson.M{"userId": userID, "endpoint": endpoint})
	return err
}
