package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"

	"chatrooms/cmd/identity"
)

// MaxNameRunes bounds a conversation name.
const MaxNameRunes = 100

// MembersOf lists the members of a conversation with their roles. Every user is an implicit
// MEMBER of the global conversation.
func (s *Service) MembersOf(ctx context.Context, conversationID int64) ([]Member, error) {
	const op = "chat.MembersOf"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, internal(op, err)
	}
	if !conv.IsGlobal {
		ms, err := s.store.ListMembers(ctx, conversationID)
		if err != nil {
			return nil, internal(op, err)
		}
		return ms, nil
	}

	users, err := s.users.ListUsers(ctx, identity.ListUsersInput{})
	if err != nil {
		return nil, internal(op, err)
	}
	out := make([]Member, 0, len(users))
	for _, u := range users {
		out = append(out, Member{
			UserID:         u.ID,
			Username:       u.Username,
			ProfilePicture: u.ProfilePicture,
			Role:           RoleMember,
			JoinedAt:       u.CreatedAt,
		})
	}
	return out, nil
}

// IsMember reports whether userID may read and write the conversation.
func (s *Service) IsMember(ctx context.Context, userID, conversationID int64) (bool, error) {
	_, err := s.Access(ctx, userID, conversationID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Audience resolves who receives live events for a conversation.
func (s *Service) Audience(ctx context.Context, conversationID int64) (Audience, error) {
	const op = "chat.Audience"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Audience{}, internal(op, err)
	}
	if conv.IsGlobal {
		return Audience{ConversationID: conv.ID, All: true}, nil
	}
	ms, err := s.store.ListMembers(ctx, conversationID)
	if err != nil {
		return Audience{}, internal(op, err)
	}
	a := Audience{ConversationID: conv.ID, Users: make([]int64, 0, len(ms))}
	for _, m := range ms {
		a.Users = append(a.Users, m.UserID)
	}
	return a, nil
}

// Conversations lists the global conversation plus every conversation the user belongs to,
// newest first, with per-conversation unread counts.
func (s *Service) Conversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	out, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, internal("chat.Conversations", err)
	}
	return out, nil
}

// CreateInput starts a conversation between the creator and UserIDs.
type CreateInput struct {
	CreatorID int64
	Name      *string
	UserIDs   []int64
}

// CreateConversation creates a conversation owned by the creator. When exactly one other user
// is named and a two-person conversation between them already exists, that one is returned
// with created=false.
func (s *Service) CreateConversation(ctx context.Context, in CreateInput) (Conversation, bool, error) {
	const op = "chat.CreateConversation"

	ids := make([]int64, 0, len(in.UserIDs))
	for _, id := range in.UserIDs {
		if id <= 0 {
			return Conversation{}, false, validation(op, "user ids must be positive")
		}
		if id != in.CreatorID && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Conversation{}, false, validation(op, "no users specified")
	}
	name, err := cleanName(op, in.Name, true)
	if err != nil {
		return Conversation{}, false, err
	}

	if len(ids) == 1 {
		existing, err := s.store.FindDirectConversation(ctx, in.CreatorID, ids[0])
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, false, internal(op, err)
		}
	}

	conv, err := s.store.CreateConversation(ctx, CreateConversationInput{
		Name:      name,
		CreatorID: in.CreatorID,
		MemberIDs: ids,
		Now:       s.now(),
	})
	if err != nil {
		return Conversation{}, false, internal(op, err)
	}
	s.log.Info("chat.conversation.created", "conversation_id", conv.ID, "creator_id", in.CreatorID, "members", len(ids)+1)
	return conv, true, nil
}

func cleanName(op string, name *string, optional bool) (*string, error) {
	if name == nil {
		if optional {
			return nil, nil
		}
		return nil, validation(op, "name is required")
	}
	v := strings.TrimSpace(*name)
	if v == "" {
		if optional {
			return nil, nil
		}
		return nil, validation(op, "name is required")
	}
	if utf8.RuneCountInString(v) > MaxNameRunes {
		return nil, validation(op, "name is too long")
	}
	return &v, nil
}

// requireRole loads the conversation and checks the actor's role with allow.
func (s *Service) requireRole(ctx context.Context, op string, actorID, conversationID int64, allow func(Role) bool, deny string) (Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, internal(op, err)
	}
	role, err := s.roleOf(ctx, actorID, conv)
	if err != nil {
		return Conversation{}, internal(op, err)
	}
	if !allow(role) {
		return Conversation{}, forbidden(op, deny)
	}
	return conv, nil
}

func (s *Service) username(ctx context.Context, op string, userID int64) (string, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return "", notFound(op, "user not found")
		}
		return "", internal(op, err)
	}
	return u.Username, nil
}

// AddMember adds userID as a MEMBER. Only an OWNER or ADMIN may do this.
func (s *Service) AddMember(ctx context.Context, actorID, conversationID, userID int64) (Message, error) {
	const op = "chat.AddMember"

	conv, err := s.requireRole(ctx, op, actorID, conversationID, Role.CanManage, "only an owner or admin can add members")
	if err != nil {
		return Message{}, err
	}
	if conv.IsGlobal {
		return Message{}, validation(op, "the global conversation has no explicit members")
	}
	name, err := s.username(ctx, op, userID)
	if err != nil {
		return Message{}, err
	}

	msg, err := s.store.AddMember(ctx, MemberChange{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           RoleMember,
		Text:           name + " joined the conversation",
		Now:            s.now(),
	})
	if err != nil {
		return Message{}, internal(op, err)
	}
	s.log.Info("chat.member.added", "conversation_id", conversationID, "user_id", userID, "actor_id", actorID)
	return msg, nil
}

// RemoveMember removes userID. Only an OWNER or ADMIN may remove someone else; removing
// yourself is a leave.
func (s *Service) RemoveMember(ctx context.Context, actorID, conversationID, userID int64) (Removal, error) {
	const op = "chat.RemoveMember"

	if actorID == userID {
		return s.Leave(ctx, actorID, conversationID)
	}
	conv, err := s.requireRole(ctx, op, actorID, conversationID, Role.CanManage, "only an owner or admin can remove members")
	if err != nil {
		return Removal{}, err
	}
	if conv.IsGlobal {
		return Removal{}, validation(op, "the global conversation cannot be left")
	}
	name, err := s.username(ctx, op, userID)
	if err != nil {
		return Removal{}, err
	}
	return s.remove(ctx, op, conversationID, userID, name+" was removed from the conversation")
}

// Leave removes the caller from a conversation. The global conversation cannot be left.
func (s *Service) Leave(ctx context.Context, userID, conversationID int64) (Removal, error) {
	const op = "chat.Leave"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Removal{}, internal(op, err)
	}
	if conv.IsGlobal {
		return Removal{}, validation(op, "the global conversation cannot be left")
	}
	name, err := s.username(ctx, op, userID)
	if err != nil {
		return Removal{}, err
	}
	return s.remove(ctx, op, conversationID, userID, name+" left the conversation")
}

func (s *Service) remove(ctx context.Context, op string, conversationID, userID int64, text string) (Removal, error) {
	r, err := s.store.RemoveMember(ctx, MemberChange{
		ConversationID: conversationID,
		UserID:         userID,
		Text:           text,
		Now:            s.now(),
	})
	if err != nil {
		return Removal{}, internal(op, err)
	}
	s.log.Info("chat.member.removed",
		"conversation_id", conversationID,
		"user_id", userID,
		"deleted", r.Deleted,
		"promoted_user_id", r.PromotedUserID,
	)
	return r, nil
}

// Rename sets the conversation name. Only an OWNER or ADMIN may do this.
func (s *Service) Rename(ctx context.Context, actorID, conversationID int64, name string) (Conversation, error) {
	const op = "chat.Rename"

	clean, err := cleanName(op, &name, false)
	if err != nil {
		return Conversation{}, err
	}
	if _, err := s.requireRole(ctx, op, actorID, conversationID, Role.CanManage, "only an owner or admin can rename the conversation"); err != nil {
		return Conversation{}, err
	}
	conv, err := s.store.RenameConversation(ctx, conversationID, clean, s.now())
	if err != nil {
		return Conversation{}, internal(op, err)
	}
	return conv, nil
}

// Delete removes a conversation with all its messages. Only its OWNER may do this, and the
// global conversation can never be deleted. The returned audience is the membership before
// deletion.
func (s *Service) Delete(ctx context.Context, actorID, conversationID int64) (Audience, error) {
	const op = "chat.Delete"

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Audience{}, internal(op, err)
	}
	if conv.IsGlobal {
		return Audience{}, forbidden(op, "the global conversation cannot be deleted")
	}
	if _, err := s.requireRole(ctx, op, actorID, conversationID, func(r Role) bool { return r == RoleOwner }, "only the owner can delete the conversation"); err != nil {
		return Audience{}, err
	}
	audience, err := s.Audience(ctx, conversationID)
	if err != nil {
		return Audience{}, err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return Audience{}, internal(op, err)
	}
	s.log.Info("chat.conversation.deleted", "conversation_id", conversationID, "actor_id", actorID)
	return audience, nil
}
