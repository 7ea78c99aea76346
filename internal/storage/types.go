package storage

import (
	"encoding"
	"encoding/binary"

	"estatechat/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

type DBUser struct {
	ID        string `msgpack:"id"`
	UserName  string `msgpack:"userName"`
	AvatarURL string `msgpack:"avatarUrl"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:        u.ID,
		UserName:  u.UserName,
		AvatarURL: u.AvatarURL,
		CreatedAt: u.CreatedAt,
	}
}

type DBConversation struct {
	ID             string   `msgpack:"id"`
	ParticipantIDs []string `msgpack:"participantIds"`
	SeenBy         []string `msgpack:"seenBy"`
	LastMessage    string   `msgpack:"lastMessage"`
	LastSeq        uint64   `msgpack:"lastSeq"`
	CreatedAt      int64    `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:             c.ID,
		ParticipantIDs: c.ParticipantIDs,
		SeenBy:         c.SeenBy,
		LastMessage:    c.LastMessage,
		CreatedAt:      c.CreatedAt,
	}
}

type DBMessage struct {
	Seq            uint64 `msgpack:"seq"`
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Text           string `msgpack:"text"`
	CreatedAt      int64  `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

type DBSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (s *DBSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSubscription) UnmarshalBinary(data []byte) error {
	type alias DBSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
