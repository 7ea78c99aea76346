// Package fanout delivers new-message notifications to live connections.
package fanout

import (
	"errors"
	"fmt"
	"log/slog"

	"estatechat/internal/models"
	"estatechat/internal/presence"
)

// Handle is a live connection able to take a push without blocking.
type Handle interface {
	Push(env models.PushEnvelope) error
}

type Policy string

const (
	// PolicyBroadcast sends every message to every registered connection and
	// leaves filtering by conversation to the client.
	PolicyBroadcast Policy = "broadcast"
	// PolicyParticipants sends only to the receiver's registered connection.
	PolicyParticipants Policy = "participants"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyBroadcast, PolicyParticipants:
		return p, nil
	case "":
		return PolicyBroadcast, nil
	default:
		return "", fmt.Errorf("unknown fan-out policy %q", s)
	}
}

// Report summarizes a single Publish call.
type Report struct {
	SelfDelivered bool
	Delivered     int
	Dropped       int
}

type Publisher struct {
	registry *presence.Registry[Handle]
	policy   Policy
}

func NewPublisher(registry *presence.Registry[Handle], policy Policy) *Publisher {
	if policy == "" {
		policy = PolicyBroadcast
	}
	return &Publisher{registry: registry, policy: policy}
}

func (p *Publisher) Policy() Policy {
	return p.policy
}

// Publish sends msg to the sender tagged fromSelf and to the other targets untagged.
// Delivery is fire-and-forget: failures are logged and counted, never returned.
func (p *Publisher) Publish(msg models.Message, sender Handle, receiverID string) Report {
	var report Report

	if sender != nil {
		if err := deliver(sender, models.NewPushEnvelope(msg, true)); err != nil {
			p.logDrop(msg, msg.SenderID, err)
		} else {
			report.SelfDelivered = true
		}
	}

	other := models.NewPushEnvelope(msg, false)
	for _, entry := range p.targets(sender, receiverID) {
		if err := deliver(entry.Handle, other); err != nil {
			report.Dropped++
			p.logDrop(msg, entry.UserID, err)
			continue
		}
		report.Delivered++
	}

	return report
}

func (p *Publisher) targets(sender Handle, receiverID string) []presence.Entry[Handle] {
	if p.policy == PolicyParticipants {
		if receiverID == "" {
			return nil
		}
		h, ok := p.registry.Lookup(receiverID)
		if !ok || h == sender {
			return nil
		}
		return []presence.Entry[Handle]{{UserID: receiverID, Handle: h}}
	}

	snapshot := p.registry.Snapshot()
	out := make([]presence.Entry[Handle], 0, len(snapshot))
	seen := make(map[Handle]struct{}, len(snapshot))
	for _, e := range snapshot {
		if e.Handle == sender {
			continue
		}
		if _, dup := seen[e.Handle]; dup {
			continue
		}
		seen[e.Handle] = struct{}{}
		out = append(out, e)
	}
	return out
}

func deliver(h Handle, env models.PushEnvelope) error {
	if err := h.Push(env); err != nil {
		if errors.Is(err, models.ErrDeliveryFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", models.ErrDeliveryFailed, err)
	}
	return nil
}

func (p *Publisher) logDrop(msg models.Message, userID string, err error) {
	slog.Warn("push dropped",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"user_id", userID,
		"error", err)
}
