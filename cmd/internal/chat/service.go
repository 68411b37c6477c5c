package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatrooms/cmd/identity"
)

// MaxTextRunes bounds a single message body.
const MaxTextRunes = 4000

// MaxClientTokenLen bounds the sender-supplied idempotency token.
const MaxClientTokenLen = 128

// Service applies access, role and validation rules on top of a Store.
type Service struct {
	log   *slog.Logger
	store Store
	users UserDirectory
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(log *slog.Logger, store Store, users UserDirectory, opts ...Option) (*Service, error) {
	if store == nil || users == nil {
		return nil, errors.New("chat: store and users are required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:   log,
		store: store,
		users: users,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Store exposes the underlying store (health checks).
func (s *Service) Store() Store { return s.store }

// SendInput is a user-authored message.
type SendInput struct {
	SenderID       int64
	ConversationID int64
	Text           string
	Type           MessageType
	ClientToken    string
}

// Send validates and persists a message. A retried send carrying the same ClientToken returns
// the stored message with duplicate=true.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, bool, error) {
	const op = "chat.Send"

	if in.SenderID <= 0 {
		return Message{}, false, OpError{Op: op, Kind: ErrUnauthorized, Msg: "sender required"}
	}
	if in.ConversationID <= 0 {
		return Message{}, false, validation(op, "conversationId must be positive")
	}
	if strings.TrimSpace(in.Text) == "" {
		return Message{}, false, validation(op, "message text is required")
	}
	if utf8.RuneCountInString(in.Text) > MaxTextRunes {
		return Message{}, false, validation(op, "message text is too long")
	}
	if in.Type == "" {
		in.Type = MessageText
	}
	if !in.Type.Valid() || in.Type == MessageSystem {
		return Message{}, false, validation(op, "unsupported message type")
	}
	if len(in.ClientToken) > MaxClientTokenLen {
		return Message{}, false, validation(op, "clientToken is too long")
	}

	sender := in.SenderID
	msg, dup, err := s.store.AppendMessage(ctx, AppendInput{
		ConversationID: in.ConversationID,
		SenderID:       &sender,
		Text:           in.Text,
		Type:           in.Type,
		ClientToken:    in.ClientToken,
		Now:            s.now(),
	})
	if err != nil {
		return Message{}, false, internal(op, err)
	}
	return msg, dup, nil
}

// Access returns the conversation when userID may read and write it.
func (s *Service) Access(ctx context.Context, userID, conversationID int64) (Conversation, error) {
	const op = "chat.Access"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, internal(op, err)
	}
	role, err := s.roleOf(ctx, userID, conv)
	if err != nil {
		return Conversation{}, internal(op, err)
	}
	if !CanAccess(conv, role) {
		return Conversation{}, forbidden(op, "not a member of this conversation")
	}
	return conv, nil
}

// roleOf returns "" for non-members. The global conversation has no membership rows.
func (s *Service) roleOf(ctx context.Context, userID int64, conv Conversation) (Role, error) {
	if conv.IsGlobal {
		return "", nil
	}
	m, err := s.store.GetMember(ctx, conv.ID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return m.Role, nil
}

// Messages returns the history of a conversation the user can access, oldest first.
func (s *Service) Messages(ctx context.Context, userID int64, in ListMessagesInput) ([]Message, error) {
	if _, err := s.Access(ctx, userID, in.ConversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, in)
	if err != nil {
		return nil, internal("chat.Messages", err)
	}
	return msgs, nil
}

// Sender resolves display fields for userID.
func (s *Service) Sender(ctx context.Context, userID int64) (Sender, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Sender{}, notFound("chat.Sender", "user not found")
		}
		return Sender{}, internal("chat.Sender", err)
	}
	return *senderOf(u), nil
}
