package reconcile

import (
	"fmt"
	"sync"
	"testing"

	"estatechat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(id, conv, sender, text string) models.Message {
	return models.Message{ID: id, ConversationID: conv, SenderID: sender, Text: text}
}

func setup() *Reconciler {
	r := New()
	r.SetSummaries([]models.ConversationView{
		{Conversation: models.Conversation{ID: "c1", LastMessage: "old"}, Receiver: models.User{ID: "bob"}},
		{Conversation: models.Conversation{ID: "c2"}, Receiver: models.User{ID: "carol"}, Unread: true},
	})
	return r
}

func summary(t *testing.T, r *Reconciler, id string) Summary {
	t.Helper()
	for _, s := range r.Summaries() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("summary %s not found", id)
	return Summary{}
}

func TestReconciler_SentThenSelfEchoIsDiscarded(t *testing.T) {
	r := setup()
	r.Open(models.ConversationView{Conversation: models.Conversation{ID: "c1"}})

	msg := message("m1", "c1", "alice", "hi")
	r.Sent(msg)
	effect := r.Receive(models.NewPushEnvelope(msg, true))

	require.Equal(t, Effect{}, effect)
	require.Len(t, r.Messages(), 1)
	require.Equal(t, "hi", summary(t, r, "c1").LastMessage)
}

func TestReconciler_SelfEchoOfOlderSendIsDeduplicated(t *testing.T) {
	r := setup()
	r.Open(models.ConversationView{Conversation: models.Conversation{ID: "c1"}})

	first := message("m1", "c1", "alice", "one")
	second := message("m2", "c1", "alice", "two")
	r.Sent(first)
	r.Sent(second)

	r.Receive(models.NewPushEnvelope(first, true))
	r.Receive(models.NewPushEnvelope(second, true))

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)
}

func TestReconciler_ForeignPushForOpenConversation(t *testing.T) {
	r := setup()
	r.Open(models.ConversationView{Conversation: models.Conversation{ID: "c1"}})

	env := models.NewPushEnvelope(message("m1", "c1", "bob", "there"), false)
	effect := r.Receive(env)

	require.Equal(t, Effect{MarkSeen: "c1"}, effect)
	require.Len(t, r.Messages(), 1)
	s := summary(t, r, "c1")
	require.Equal(t, "there", s.LastMessage)
	require.False(t, s.Unread)

	// a duplicate delivery never duplicates the message
	r.Receive(env)
	require.Len(t, r.Messages(), 1)
}

func TestReconciler_ForeignPushForOtherConversation(t *testing.T) {
	r := setup()
	r.Open(models.ConversationView{Conversation: models.Conversation{ID: "c2"}})
	require.Equal(t, 0, r.UnreadCount())

	effect := r.Receive(models.NewPushEnvelope(message("m1", "c1", "bob", "ping"), false))

	require.Equal(t, Effect{}, effect)
	require.Empty(t, r.Messages())
	s := summary(t, r, "c1")
	require.True(t, s.Unread)
	require.Equal(t, "ping", s.LastMessage)
	require.Equal(t, 1, r.UnreadCount())
}

func TestReconciler_PushForUnknownConversation(t *testing.T) {
	r := setup()

	r.Receive(models.NewPushEnvelope(message("m1", "c9", "dave", "new"), false))

	summaries := r.Summaries()
	require.Len(t, summaries, 3)
	require.Equal(t, "c9", summaries[0].ID)
	require.Equal(t, "dave", summaries[0].Counterpart.ID)
	require.True(t, summaries[0].Unread)
}

func TestReconciler_OpenAndClose(t *testing.T) {
	r := setup()
	require.Equal(t, 1, r.UnreadCount())

	r.Open(models.ConversationView{
		Conversation: models.Conversation{
			ID:       "c2",
			Messages: []models.Message{message("m1", "c2", "carol", "a"), message("m1", "c2", "carol", "a")},
		},
	})
	require.Equal(t, "c2", r.OpenID())
	require.Len(t, r.Messages(), 1)
	require.False(t, summary(t, r, "c2").Unread)

	r.Close()
	require.Empty(t, r.OpenID())
	require.Nil(t, r.Messages())

	effect := r.Receive(models.NewPushEnvelope(message("m2", "c2", "carol", "b"), false))
	require.Equal(t, Effect{}, effect)
	require.True(t, summary(t, r, "c2").Unread)
}

func TestReconciler_SelfPushDoesNotTouchUnread(t *testing.T) {
	r := setup()

	r.Receive(models.NewPushEnvelope(message("m1", "c2", "alice", "from another tab"), true))

	s := summary(t, r, "c2")
	require.True(t, s.Unread)
	require.Equal(t, "from another tab", s.LastMessage)
}

func TestReconciler_Concurrent(t *testing.T) {
	r := setup()
	r.Open(models.ConversationView{Conversation: models.Conversation{ID: "c1"}})

	var wg sync.WaitGroup
	for i := range 50 {
		msg := message(fmt.Sprintf("m%d", i), "c1", "bob", "x")
		wg.Go(func() {
			r.Receive(models.NewPushEnvelope(msg, false))
		})
		wg.Go(func() {
			r.Receive(models.NewPushEnvelope(msg, false))
		})
		wg.Go(func() {
			_ = r.Summaries()
		})
	}
	wg.Wait()

	assert.Len(t, r.Messages(), 50)
}
