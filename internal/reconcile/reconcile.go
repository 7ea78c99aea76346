// Package reconcile keeps a client's local view of its conversations
// consistent with messages arriving both from send responses and from the
// real-time channel.
package reconcile

import (
	"slices"
	"sync"

	"estatechat/internal/models"
)

// Summary is one row of the conversation list.
type Summary struct {
	ID          string      `json:"id"`
	Counterpart models.User `json:"counterpart"`
	LastMessage string      `json:"lastMessage"`
	Unread      bool        `json:"unread"`
}

// Effect is what the caller must do after a push was applied.
type Effect struct {
	// MarkSeen holds the conversation that has to be marked read on the
	// server, or "" when nothing is required.
	MarkSeen string
}

type openConversation struct {
	id       string
	messages []models.Message
	ids      map[string]struct{}
}

func (o *openConversation) add(msg models.Message) bool {
	if _, ok := o.ids[msg.ID]; ok {
		return false
	}
	o.ids[msg.ID] = struct{}{}
	o.messages = append(o.messages, msg)
	return true
}

// Reconciler is the client state machine. It is safe for concurrent use.
type Reconciler struct {
	mu        sync.Mutex
	open      *openConversation
	summaries []Summary
	lastSent  string
}

func New() *Reconciler {
	return &Reconciler{}
}

// SetSummaries replaces the conversation list with the server's view of it.
func (r *Reconciler) SetSummaries(views []models.ConversationView) {
	summaries := make([]Summary, 0, len(views))
	for _, v := range views {
		summaries = append(summaries, Summary{
			ID:          v.ID,
			Counterpart: v.Receiver,
			LastMessage: v.LastMessage,
			Unread:      v.Unread,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = summaries
	if r.open != nil {
		r.markSummarySeen(r.open.id)
	}
}

// Open makes view the open conversation and marks it seen.
func (r *Reconciler) Open(view models.ConversationView) {
	open := &openConversation{
		id:       view.ID,
		messages: make([]models.Message, 0, len(view.Messages)),
		ids:      make(map[string]struct{}, len(view.Messages)),
	}
	for _, msg := range view.Messages {
		open.add(msg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = open
	if r.summaryIndex(view.ID) < 0 {
		r.summaries = append([]Summary{{
			ID:          view.ID,
			Counterpart: view.Receiver,
			LastMessage: view.LastMessage,
		}}, r.summaries...)
	}
	r.markSummarySeen(view.ID)
}

func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = nil
}

// Sent records a message the local user created through the durable path.
func (r *Reconciler) Sent(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSent = msg.ID
	if r.open != nil && r.open.id == msg.ConversationID {
		r.open.add(msg)
	}
	r.setLastMessage(msg.ConversationID, msg.Text, "")
}

// Receive applies a push. Applying the same envelope twice has no further
// effect on the message list.
func (r *Reconciler) Receive(env models.PushEnvelope) Effect {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := models.Message{
		ID:             env.MessageID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Text:           env.Text,
		CreatedAt:      env.CreatedAt,
	}
	isOpen := r.open != nil && r.open.id == env.ConversationID

	if env.FromSelf {
		if env.MessageID == r.lastSent {
			return Effect{}
		}
		if isOpen {
			r.open.add(msg)
		}
		r.setLastMessage(env.ConversationID, env.Text, "")
		return Effect{}
	}

	r.setLastMessage(env.ConversationID, env.Text, env.SenderID)
	i := r.summaryIndex(env.ConversationID)
	if !isOpen {
		r.summaries[i].Unread = true
		return Effect{}
	}

	r.open.add(msg)
	r.summaries[i].Unread = false
	return Effect{MarkSeen: env.ConversationID}
}

// OpenID returns the open conversation id or "".
func (r *Reconciler) OpenID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return ""
	}
	return r.open.id
}

// Messages returns a copy of the open conversation's messages.
func (r *Reconciler) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil {
		return nil
	}
	return slices.Clone(r.open.messages)
}

func (r *Reconciler) Summaries() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.summaries)
}

func (r *Reconciler) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.summaries {
		if s.Unread {
			n++
		}
	}
	return n
}

func (r *Reconciler) summaryIndex(conversationID string) int {
	return slices.IndexFunc(r.summaries, func(s Summary) bool {
		return s.ID == conversationID
	})
}

// setLastMessage updates the summary of conversationID, creating one for a
// conversation the list has not seen yet. counterpartID is only known for
// messages from the other participant.
func (r *Reconciler) setLastMessage(conversationID, text, counterpartID string) {
	if i := r.summaryIndex(conversationID); i >= 0 {
		r.summaries[i].LastMessage = text
		return
	}
	r.summaries = append([]Summary{{
		ID:          conversationID,
		Counterpart: models.User{ID: counterpartID},
		LastMessage: text,
	}}, r.summaries...)
}

func (r *Reconciler) markSummarySeen(conversationID string) {
	if i := r.summaryIndex(conversationID); i >= 0 {
		r.summaries[i].Unread = false
	}
}
