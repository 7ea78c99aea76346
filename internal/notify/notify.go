// Package notify sends Web Push notifications to users who are offline.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"unicode/utf8"

	"estatechat/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	defaultTTL     = 24 * 60 * 60
	maxPreviewRune = 140
)

var ErrDisabled = errors.New("push notifications are not configured")

type Store interface {
	UpsertSubscription(ctx context.Context, sub models.PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
}

// Presence tells whether a user currently has a live connection.
type Presence interface {
	Online(userID string) bool
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	// TTL in seconds the push service keeps an undelivered notification.
	TTL int
}

type Notifier struct {
	cfg      Config
	store    Store
	presence Presence
	client   webpush.HTTPClient
	ctx      context.Context
	wg       sync.WaitGroup
}

// New returns a notifier. Sends started by MessageAppended are bound to ctx.
func New(ctx context.Context, cfg Config, store Store, presence Presence) *Notifier {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Notifier{
		cfg:      cfg,
		store:    store,
		presence: presence,
		client:   http.DefaultClient,
		ctx:      ctx,
	}
}

func (n *Notifier) Enabled() bool {
	return n.cfg.VAPIDPublicKey != "" && n.cfg.VAPIDPrivateKey != ""
}

func (n *Notifier) PublicKey() string {
	return n.cfg.VAPIDPublicKey
}

// Subscribe stores a browser subscription for sub.UserID.
func (n *Notifier) Subscribe(ctx context.Context, sub models.PushSubscription) error {
	if !n.Enabled() {
		return ErrDisabled
	}
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an https url", models.ErrInvalidOperation)
	}
	if sub.P256dh == "" || sub.Auth == "" {
		return fmt.Errorf("%w: subscription keys are required", models.ErrInvalidOperation)
	}
	return n.store.UpsertSubscription(ctx, sub)
}

// MessageAppended pushes msg to the other participant when they are offline.
// The send runs in the background.
func (n *Notifier) MessageAppended(conv models.Conversation, msg models.Message) {
	if !n.Enabled() {
		return
	}
	recipient := conv.Counterpart(msg.SenderID)
	if recipient == "" || n.presence.Online(recipient) {
		return
	}

	n.wg.Go(func() {
		if err := n.Notify(n.ctx, recipient, msg); err != nil {
			slog.Warn("push notification failed", "user_id", recipient, "conversation_id", msg.ConversationID, "error", err)
		}
	})
}

// Notify sends msg to every subscription of userID. Subscriptions the push
// service reports as gone are deleted.
func (n *Notifier) Notify(ctx context.Context, userID string, msg models.Message) error {
	subs, err := n.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	env := models.NewPushEnvelope(msg, false)
	env.Text = preview(env.Text)
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := n.send(ctx, sub, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      n.client,
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             n.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", sub.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		slog.Info("push subscription expired", "user_id", sub.UserID, "endpoint", sub.Endpoint)
		if err := n.store.DeleteSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service %s returned %d", sub.Endpoint, resp.StatusCode)
	}
	return nil
}

// Wait blocks until background sends finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= maxPreviewRune {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxPreviewRune]) + "…"
}
