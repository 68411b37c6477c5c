package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatrooms/cmd/internal/chat"
	v1 "chatrooms/shared/contracts/realtime/v1"
)

// FanoutScope selects who receives chat and typing events.
type FanoutScope string

const (
	// FanoutMembers delivers only to users who can access the conversation.
	FanoutMembers FanoutScope = "members"
	// FanoutGlobal delivers to every joined connection; clients filter by conversationId.
	FanoutGlobal FanoutScope = "global"
)

// ParseFanoutScope accepts "members" or "global" (case-insensitive).
func ParseFanoutScope(s string) (FanoutScope, error) {
	switch FanoutScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", FanoutMembers:
		return FanoutMembers, nil
	case FanoutGlobal:
		return FanoutGlobal, nil
	default:
		return "", fmt.Errorf("realtime: unknown fan-out scope %q", s)
	}
}

// AudienceResolver resolves who may see a conversation's events. chat.Service satisfies it.
type AudienceResolver interface {
	Audience(ctx context.Context, conversationID int64) (chat.Audience, error)
}

// Broadcaster turns persisted messages and typing notices into live events.
type Broadcaster struct {
	log      *slog.Logger
	reg      *Registry
	resolver AudienceResolver
	scope    FanoutScope
}

func NewBroadcaster(log *slog.Logger, reg *Registry, resolver AudienceResolver, scope FanoutScope) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if scope == "" {
		scope = FanoutMembers
	}
	return &Broadcaster{log: log, reg: reg, resolver: resolver, scope: scope}
}

// Scope returns the configured fan-out scope.
func (b *Broadcaster) Scope() FanoutScope { return b.scope }

// Chat delivers a persisted message. Callers invoke it only after persistence succeeded.
func (b *Broadcaster) Chat(ctx context.Context, msg chat.Message) int {
	if b.scope == FanoutGlobal {
		return b.reg.Broadcast(Everyone, ChatEvent(msg))
	}
	a, err := b.resolver.Audience(ctx, msg.ConversationID)
	if err != nil {
		b.log.Warn("broadcast.audience.fail", "conversation_id", msg.ConversationID, "err", err)
		return 0
	}
	return b.ChatTo(a, msg)
}

// ChatTo delivers a persisted message to an already resolved audience. Membership changes use it
// because the audience must be captured before the change (or before the conversation is gone).
func (b *Broadcaster) ChatTo(a chat.Audience, msg chat.Message) int {
	var target Target = Everyone
	if b.scope == FanoutMembers {
		target = audienceTarget(a)
	}
	return b.reg.Broadcast(target, ChatEvent(msg))
}

// Typing relays a typing notice to everyone but the originating connection. It is never persisted.
// In members scope the typist must belong to the conversation.
func (b *Broadcaster) Typing(ctx context.Context, origin *Client, ev v1.Typing) int {
	if b.scope == FanoutGlobal {
		return b.reg.Broadcast(Except(origin), ev)
	}
	a, err := b.resolver.Audience(ctx, ev.ConversationID)
	if err != nil {
		b.log.Debug("broadcast.typing.audience.fail", "conversation_id", ev.ConversationID, "err", err)
		return 0
	}
	if !a.Includes(ev.UserID) {
		b.log.Debug("broadcast.typing.not_member", "conversation_id", ev.ConversationID, "user_id", ev.UserID)
		return 0
	}
	inAudience := audienceTarget(a)
	return b.reg.Broadcast(func(uid int64, c *Client) bool {
		return c != origin && inAudience(uid, c)
	}, ev)
}

// ConversationDeleted tells the former members that a conversation is gone. The audience is
// captured before deletion.
func (b *Broadcaster) ConversationDeleted(a chat.Audience) int {
	return b.reg.Broadcast(audienceTarget(a), v1.System{
		Message:        conversationDeletedMessage,
		ConversationID: a.ConversationID,
	})
}

func audienceTarget(a chat.Audience) Target {
	if a.All {
		return Everyone
	}
	set := make(map[int64]struct{}, len(a.Users))
	for _, id := range a.Users {
		set[id] = struct{}{}
	}
	return func(uid int64, _ *Client) bool {
		_, ok := set[uid]
		return ok
	}
}

// ChatEvent converts a persisted message to its wire form.
func ChatEvent(m chat.Message) v1.Chat {
	out := v1.ChatMessage{
		ID:             m.ID,
		Text:           m.Text,
		Type:           string(m.Type),
		SenderID:       m.SenderID,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt,
		ClientToken:    m.ClientToken,
	}
	if m.Sender != nil {
		out.Sender = &v1.Sender{
			ID:             m.Sender.ID,
			Username:       m.Sender.Username,
			ProfilePicture: m.Sender.ProfilePicture,
		}
	}
	return v1.Chat{Message: out}
}
